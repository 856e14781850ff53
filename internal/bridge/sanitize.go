package bridge

import "reflect"

// reservedConfirmHandleKey is stripped from any payload before it crosses
// the bridge, per spec.md §4.J: "messages sent to the worker must be free
// of functions and live DOM handles; sender sanitizes by removing
// function-typed keys and a reserved _confirmHandle".
const reservedConfirmHandleKey = "_confirmHandle"

// Sanitize returns a copy of payload with reservedConfirmHandleKey and
// any function-typed value removed, recursing into nested maps. Go has no
// DOM handles, but a payload built by application code may still carry a
// callback (func) value destined for in-process delivery; that value
// must never reach the JSON-serialized wire form.
func Sanitize(payload map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		if k == reservedConfirmHandleKey {
			continue
		}
		if isFunc(v) {
			continue
		}
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = Sanitize(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func isFunc(v interface{}) bool {
	if v == nil {
		return false
	}
	return reflect.ValueOf(v).Kind() == reflect.Func
}
