package clusterclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	utilyaml "k8s.io/apimachinery/pkg/util/yaml"
	"k8s.io/client-go/dynamic"
	"k8s.io/klog/v2"
)

// ApplyManifest creates or updates every object of a multi-document YAML or JSON
// manifest. Objects are applied in document order; failures of single objects are
// collected and do not stop the remaining ones.
func (c *Client) ApplyManifest(ctx context.Context, manifest []byte) error {
	objects, err := decodeManifest(manifest)
	if err != nil {
		return err
	}
	if len(objects) == 0 {
		return errors.New("manifest contains no objects")
	}
	mapper, err := c.mapper()
	if err != nil {
		return err
	}

	var errs []error
	for _, obj := range objects {
		if err := c.applyObject(ctx, mapper, obj); err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", obj.GetKind(), obj.GetName(), err))
		}
	}
	return utilerrors.NewAggregate(errs)
}

func decodeManifest(manifest []byte) ([]*unstructured.Unstructured, error) {
	decoder := utilyaml.NewYAMLOrJSONDecoder(bytes.NewReader(manifest), 4096)
	var objects []*unstructured.Unstructured
	for {
		obj := &unstructured.Unstructured{}
		if err := decoder.Decode(&obj.Object); err != nil {
			if errors.Is(err, io.EOF) {
				return objects, nil
			}
			return nil, fmt.Errorf("decode manifest: %w", err)
		}
		if len(obj.Object) == 0 {
			continue
		}
		if obj.GetKind() == "" || obj.GetName() == "" {
			return nil, fmt.Errorf("decode manifest: object without kind or name")
		}
		objects = append(objects, obj)
	}
}

func (c *Client) applyObject(ctx context.Context, mapper meta.RESTMapper, obj *unstructured.Unstructured) error {
	gvk := obj.GroupVersionKind()
	mapping, err := mapper.RESTMapping(gvk.GroupKind(), gvk.Version)
	if err != nil {
		return err
	}

	var resource dynamic.ResourceInterface
	if mapping.Scope.Name() == meta.RESTScopeNameNamespace {
		if obj.GetNamespace() == "" {
			obj.SetNamespace(metav1.NamespaceDefault)
		}
		resource = c.dynamic.Resource(mapping.Resource).Namespace(obj.GetNamespace())
	} else {
		resource = c.dynamic.Resource(mapping.Resource)
	}

	existing, err := resource.Get(ctx, obj.GetName(), metav1.GetOptions{})
	switch {
	case apierrors.IsNotFound(err):
		klog.V(2).Infof("creating %s %s", gvk.Kind, obj.GetName())
		_, err = resource.Create(ctx, obj, metav1.CreateOptions{FieldManager: fieldManager})
		return err
	case err != nil:
		return err
	}
	klog.V(2).Infof("updating %s %s", gvk.Kind, obj.GetName())
	obj.SetResourceVersion(existing.GetResourceVersion())
	_, err = resource.Update(ctx, obj, metav1.UpdateOptions{FieldManager: fieldManager})
	return err
}
