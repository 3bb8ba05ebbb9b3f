package mlflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/ashita-ai/mlflow-go/client"
)

// ErrArrayParam is returned by LogParams when the value contains a JSON
// array. Parameters are scalar strings and arrays have no key to flatten to.
var ErrArrayParam = errors.New("mlflow: array values cannot be logged as params")

// flattenParams encodes values as JSON and walks the result. Object keys are
// visited in sorted order so the produced params are deterministic.
func flattenParams(prefix string, values any) ([]client.Param, error) {
	raw, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("mlflow: encode params: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("mlflow: decode params: %w", err)
	}
	var params []client.Param
	if err := appendParams(prefix, tree, &params); err != nil {
		return nil, err
	}
	return params, nil
}

func appendParams(key string, v any, params *[]client.Param) error {
	switch v := v.(type) {
	case nil:
	case bool:
		*params = append(*params, client.Param{Key: key, Value: strconv.FormatBool(v)})
	case json.Number:
		*params = append(*params, client.Param{Key: key, Value: v.String()})
	case string:
		*params = append(*params, client.Param{Key: key, Value: v})
	case []any:
		return fmt.Errorf("%w: %q", ErrArrayParam, key)
	case map[string]any:
		sep := "."
		if key == "" {
			sep = ""
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			if err := appendParams(key+sep+k, v[k], params); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("mlflow: unexpected param value %T at %q", v, key)
	}
	return nil
}
