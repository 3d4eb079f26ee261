package exec

import (
	"fmt"
	"regexp"
)

const replaceWith = "<REDACTED>"

var (
	// "--token secret"
	tokenFlagRegEx = regexp.MustCompile(`(.*--token[ =])\S*(.*)`)
	// "token: secret", as printed in talosconfig and machine config dumps
	tokenYAMLRegEx = regexp.MustCompile(`(.*token: )\S*(.*)`)
	// "Authorization: Bearer secret"
	bearerRegEx = regexp.MustCompile(`(.*[Bb]earer )\S*(.*)`)
	// "key: <base64>", private keys embedded in configs
	keyYAMLRegEx = regexp.MustCompile(`(.*\bkey: )\S*(.*)`)
)

// Redact replaces credential-like values in the input with a placeholder text.
func Redact(in string) string {
	result := in
	result = tokenFlagRegEx.ReplaceAllString(result, fmt.Sprintf("$1%s$2", replaceWith))
	result = tokenYAMLRegEx.ReplaceAllString(result, fmt.Sprintf("$1%s$2", replaceWith))
	result = bearerRegEx.ReplaceAllString(result, fmt.Sprintf("$1%s$2", replaceWith))
	result = keyYAMLRegEx.ReplaceAllString(result, fmt.Sprintf("$1%s$2", replaceWith))
	return result
}
