package jsonvalue

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Object is the flat entity payload carried by queued, pushed and pulled changes.
type Object map[string]Value

func (o Object) Get(key string) (Value, bool) {
	v, ok := o[key]
	return v, ok
}

func (o Object) String(key string) string {
	s, _ := o[key].AsString()
	return s
}

func (o Object) Clone() Object {
	if o == nil {
		return nil
	}
	cp := make(Object, len(o))
	for k, v := range o {
		cp[k] = v
	}
	return cp
}

func (o Object) Equal(other Object) bool {
	if len(o) != len(other) {
		return false
	}
	for k, v := range o {
		w, ok := other[k]
		if !ok || !v.Equal(w) {
			return false
		}
	}
	return true
}

func (o Object) MarshalJSON() ([]byte, error) {
	if o == nil {
		return []byte("{}"), nil
	}
	var buf bytes.Buffer
	if err := encodeObject(&buf, o); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (o *Object) UnmarshalJSON(data []byte) error {
	var v Value
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if v.IsNull() {
		*o = nil
		return nil
	}
	if v.kind != KindObject {
		return fmt.Errorf("%w: got %s", ErrNotObject, v.kind)
	}
	*o = Object(v.obj)
	return nil
}
