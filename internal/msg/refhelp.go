package msg

import "github.com/sammck-go/prxtunnel/internal/ref"

// refString and refFromString let the wire codecs treat a null Ref as an
// absent field rather than forcing every envelope to carry the zero UUID
// string.
func refString(r ref.Ref) string {
	if r.IsNull() {
		return ""
	}
	return r.String()
}

func refFromString(s string) (ref.Ref, error) {
	if s == "" {
		return ref.Null, nil
	}
	return ref.FromString(s)
}
