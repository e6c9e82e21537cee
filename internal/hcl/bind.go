package hcl

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/specialistvlad/gridrt/internal/ctxlog"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/gocty"
)

// bind evaluates the attributes of body and stores them into the fields of
// target tagged `cfg:"name"`. Attributes the body leaves out take their
// value from defaults; a field with neither is left untouched. Attributes
// that match no field are an error. A nil body applies only defaults.
func bind(ctx context.Context, body hcl.Body, evalCtx *hcl.EvalContext, target any, defaults map[string]cty.Value) error {
	logger := ctxlog.FromContext(ctx)

	structVal := reflect.ValueOf(target)
	if structVal.Kind() != reflect.Ptr || structVal.IsNil() {
		return fmt.Errorf("bind target must be a non-nil pointer")
	}
	structVal = structVal.Elem()
	structType := structVal.Type()

	attrs := hcl.Attributes{}
	if body != nil {
		var diags hcl.Diagnostics
		attrs, diags = body.JustAttributes()
		if diags.HasErrors() {
			return diags
		}
	}

	known := make(map[string]bool, structType.NumField())
	for i := 0; i < structType.NumField(); i++ {
		field := structType.Field(i)
		name := strings.Split(field.Tag.Get("cfg"), ",")[0]
		if name == "" {
			continue
		}
		known[name] = true
		ptr := structVal.Field(i).Addr().Interface()

		if attr, ok := attrs[name]; ok {
			val, diags := attr.Expr.Value(evalCtx)
			if diags.HasErrors() {
				return diags
			}
			if err := decode(val, ptr); err != nil {
				return fmt.Errorf("%s: attribute %q: %w", attr.Range, name, err)
			}
			continue
		}
		if def, ok := defaults[name]; ok {
			if err := decode(def, ptr); err != nil {
				return fmt.Errorf("applying default for %q: %w", name, err)
			}
			logger.Debug("Applied default setting.", "attribute", name, "value", def.GoString())
		}
	}

	var unknown []string
	for name := range attrs {
		if !known[name] {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("unsupported attributes %v", unknown)
	}
	return nil
}

// decode converts val to the cty type implied by the Go target and stores
// it there.
func decode(val cty.Value, goVal any) error {
	impliedType, err := gocty.ImpliedType(reflect.ValueOf(goVal).Elem().Interface())
	if err != nil {
		return gocty.FromCtyValue(val, goVal)
	}
	converted, err := convert.Convert(val, impliedType)
	if err != nil {
		return fmt.Errorf("cannot convert %s to %s: %w", val.Type().FriendlyName(), impliedType.FriendlyName(), err)
	}
	return gocty.FromCtyValue(converted, goVal)
}
