package endpoint

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// defaultFieldLimit is the maximum byte length of a single path, query or
// header value unless a field overrides it with a maxLength tag.
var defaultFieldLimit = 16 * 1024

// defaultBodyLimit bounds the JSON body read for a `body` field.
var defaultBodyLimit int64 = 1 << 20

// Unmarshal populates dst (a non-nil pointer to a struct) from the request.
//
// Supported struct tags:
//   - `path:"name"`   r.PathValue(name)
//   - `query:"name"`  first value of r.URL.Query()[name]; all values for []string
//   - `header:"name"` r.Header.Get(name)
//   - `body:"json"`   the whole request body, JSON-decoded into the field
//   - `maxLength:"n"` per-field byte limit (default 16KB, 0 for no limit)
//
// A tag name of "-" ignores the field. Untagged leaf fields are looked up in
// path then query under their lower-cased field name; untagged struct fields
// (including embedded structs) are decoded recursively. Precedence when a
// field carries several tags is path, query, header. Fields with no value in
// the request are left unchanged.
func Unmarshal(r *http.Request, dst any) error {
	if r == nil {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: nil request"))
	}
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must be a non-nil pointer"))
	}
	root := v.Elem()
	if root.Kind() == reflect.Pointer {
		if root.IsNil() {
			root.Set(reflect.New(root.Type().Elem()))
		}
		root = root.Elem()
	}
	if root.Kind() != reflect.Struct {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must point to a struct"))
	}
	d := &decoder{r: r, bodyField: -1}
	return d.decodeStruct(root)
}

type decoder struct {
	r         *http.Request
	bodyField int
	bodyRead  bool
}

func (d *decoder) decodeStruct(sv reflect.Value) error {
	t := sv.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		fv := sv.Field(i)

		pathName, hasPath := lookupName(sf, "path")
		queryName, hasQuery := lookupName(sf, "query")
		headerName, hasHeader := lookupName(sf, "header")
		_, hasBody := sf.Tag.Lookup("body")

		if pathName == "-" || queryName == "-" || headerName == "-" || sf.Tag.Get("body") == "-" {
			continue
		}

		if hasBody {
			if d.bodyRead {
				return newEndpointError(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: multiple body fields (%s)", sf.Name))
			}
			d.bodyRead = true
			if err := d.decodeBody(fv); err != nil {
				return err
			}
			continue
		}

		if !hasPath && !hasQuery && !hasHeader {
			if isStruct(sf.Type) {
				if fv.Kind() == reflect.Pointer {
					if fv.IsNil() {
						fv.Set(reflect.New(sf.Type.Elem()))
					}
					fv = fv.Elem()
				}
				if err := d.decodeStruct(fv); err != nil {
					return err
				}
				continue
			}
			name := strings.ToLower(sf.Name)
			pathName, queryName = name, name
			hasPath, hasQuery = true, true
		}

		limit, err := fieldLimit(sf)
		if err != nil {
			return newEndpointError(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: field %s: %w", sf.Name, err))
		}

		var values []string
		var source, name string
		switch {
		case hasPath && d.r.PathValue(pathName) != "":
			values, source, name = []string{d.r.PathValue(pathName)}, "path", pathName
		case hasQuery && d.r.URL != nil && len(d.r.URL.Query()[queryName]) > 0:
			values, source, name = d.r.URL.Query()[queryName], "query", queryName
		case hasHeader && d.r.Header.Get(headerName) != "":
			values, source, name = []string{d.r.Header.Get(headerName)}, "header", headerName
		default:
			continue
		}

		for _, s := range values {
			if limit > 0 && len(s) > limit {
				return newEndpointError(http.StatusBadRequest, fmt.Sprintf("%s parameter %q too long", source, name), nil)
			}
		}
		if err := setField(fv, values); err != nil {
			return newEndpointError(http.StatusBadRequest, fmt.Sprintf("invalid %s parameter %q", source, name), err)
		}
	}
	return nil
}

func (d *decoder) decodeBody(fv reflect.Value) error {
	r := d.r
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	if ct := strings.TrimSpace(r.Header.Get("Content-Type")); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil || !(mt == "application/json" || strings.HasSuffix(mt, "+json")) {
			return newEndpointError(http.StatusUnsupportedMediaType, "request body must be JSON", err)
		}
	}
	b, err := io.ReadAll(io.LimitReader(r.Body, defaultBodyLimit+1))
	if err != nil {
		return newEndpointError(http.StatusBadRequest, "unable to read request body", err)
	}
	if int64(len(b)) > defaultBodyLimit {
		return newEndpointError(http.StatusRequestEntityTooLarge, "request body too large", nil)
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, fv.Addr().Interface()); err != nil {
		return newEndpointError(http.StatusBadRequest, "invalid request body", err)
	}
	return nil
}

func lookupName(sf reflect.StructField, key string) (string, bool) {
	tag, ok := sf.Tag.Lookup(key)
	if !ok {
		return "", false
	}
	name, _, _ := strings.Cut(tag, ",")
	name = strings.TrimSpace(name)
	if name == "" {
		name = strings.ToLower(sf.Name)
	}
	return name, true
}

func fieldLimit(sf reflect.StructField) (int, error) {
	tag, ok := sf.Tag.Lookup("maxLength")
	if !ok {
		return defaultFieldLimit, nil
	}
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(tag)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New("maxLength must be non-negative")
	}
	return n, nil
}

func isStruct(t reflect.Type) bool {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Kind() == reflect.Struct
}

func setField(fv reflect.Value, values []string) error {
	if fv.Kind() == reflect.Pointer {
		if fv.IsNil() {
			fv.Set(reflect.New(fv.Type().Elem()))
		}
		fv = fv.Elem()
	}
	if fv.Kind() == reflect.Slice && fv.Type().Elem().Kind() == reflect.String {
		fv.Set(reflect.ValueOf(append([]string(nil), values...)).Convert(fv.Type()))
		return nil
	}
	s := values[0]
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(s)
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		fv.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 10, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(s, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetFloat(f)
	default:
		return fmt.Errorf("unsupported field type %s", fv.Type())
	}
	return nil
}
