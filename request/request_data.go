package request

import (
	"fmt"
	"reflect"
)

// queryParamsFrom extracts query parameters from the "query" tag of the
// given struct's fields. Fields tagged "-" or left at their zero value are
// omitted, so optional parameters disappear from the URL entirely.
func queryParamsFrom(data any) (map[string]string, error) {
	queryParams := make(map[string]string)

	v := reflect.ValueOf(data)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil, fmt.Errorf("query params source must be a struct, got %s", v.Kind())
	}
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		queryTag := field.Tag.Get("query")

		if queryTag == "" || queryTag == "-" {
			continue
		}

		fieldValue := v.Field(i)
		if fieldValue.IsZero() {
			continue
		}

		queryParams[queryTag] = fmt.Sprintf("%v", fieldValue.Interface())
	}

	return queryParams, nil
}
