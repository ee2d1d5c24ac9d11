package beacon

import (
	"fmt"
	"net/url"
	"strings"
)

// Wire keys with special meaning.
const (
	KeyDeviceID    = "device_id"
	KeyOverrideID  = "override_id"
	KeyOldDeviceID = "old_device_id"
	KeyChecksum    = "checksum256"
	// KeyEndpoint overrides the default endpoint of a single request. It is stripped before sending.
	KeyEndpoint = "new_end_point"
	// KeyPicturePath names a local file uploaded as a multipart attachment. It is stripped before sending.
	KeyPicturePath = "picturePath"
)

// Field is a single key/value pair of a request, stored unescaped.
type Field struct {
	Key   string
	Value string
}

// TagKind identifies which identity reference a tag carries.
type TagKind int

const (
	// TagDeviceID addresses the request to a device id.
	TagDeviceID TagKind = iota + 1
	// TagOverrideID addresses the request to a previous device id. It is rewritten to device_id at send time.
	TagOverrideID
	// TagOldDeviceID asks the server to merge the old id into the device_id of the same request.
	TagOldDeviceID
)

// Key returns the wire key of the tag kind.
func (k TagKind) Key() string {
	switch k {
	case TagDeviceID:
		return KeyDeviceID
	case TagOverrideID:
		return KeyOverrideID
	case TagOldDeviceID:
		return KeyOldDeviceID
	default:
		return ""
	}
}

func tagKindForKey(key string) (TagKind, bool) {
	switch key {
	case KeyDeviceID:
		return TagDeviceID, true
	case KeyOverrideID:
		return TagOverrideID, true
	case KeyOldDeviceID:
		return TagOldDeviceID, true
	default:
		return 0, false
	}
}

// IdentityTag is an identity reference serialized after every other field.
type IdentityTag struct {
	Kind  TagKind
	Value string
}

// Request is the structured form of a queued request. Tags are always
// encoded after Fields, because the server and the worker look for identity
// keys at the end of the query.
type Request struct {
	Fields []Field
	Tags   []IdentityTag
}

// Add appends a field.
func (r *Request) Add(key, value string) {
	r.Fields = append(r.Fields, Field{Key: key, Value: value})
}

// Field returns the first value stored under key.
func (r Request) Field(key string) (string, bool) {
	for _, field := range r.Fields {
		if field.Key == key {
			return field.Value, true
		}
	}

	return "", false
}

// Tag returns the value of the first tag of the given kind.
func (r Request) Tag(kind TagKind) (string, bool) {
	return findTag(r.Tags, kind)
}

// Encode renders the request as a URL query string.
func (r Request) Encode() string {
	var b strings.Builder
	for _, field := range r.Fields {
		writePair(&b, field.Key, field.Value)
	}
	for _, tag := range r.Tags {
		writePair(&b, tag.Kind.Key(), tag.Value)
	}

	return b.String()
}

// ParseRequest parses a URL query string produced by Encode.
func ParseRequest(raw string) (Request, error) {
	head, tags, err := splitTags(raw)
	if err != nil {
		return Request{}, err
	}

	var req Request
	req.Tags = tags
	if head == "" {
		return req, nil
	}
	for _, segment := range strings.Split(head, "&") {
		if segment == "" {
			continue
		}
		key, value, err := decodeSegment(segment)
		if err != nil {
			return Request{}, err
		}
		req.Fields = append(req.Fields, Field{Key: key, Value: value})
	}

	return req, nil
}

func writePair(b *strings.Builder, key, value string) {
	if b.Len() > 0 {
		b.WriteByte('&')
	}
	b.WriteString(url.QueryEscape(key))
	b.WriteByte('=')
	b.WriteString(url.QueryEscape(value))
}

func decodeSegment(segment string) (string, string, error) {
	rawKey, rawValue, _ := strings.Cut(segment, "=")
	key, err := url.QueryUnescape(rawKey)
	if err != nil {
		return "", "", fmt.Errorf("%w: key %q: %v", ErrInvalidRequest, rawKey, err)
	}
	value, err := url.QueryUnescape(rawValue)
	if err != nil {
		return "", "", fmt.Errorf("%w: value of %q: %v", ErrInvalidRequest, key, err)
	}

	return key, value, nil
}

// splitTags separates the maximal run of trailing identity segments from the
// rest of raw. The head is returned byte-for-byte so that rewriting tags never
// touches other fields.
func splitTags(raw string) (string, []IdentityTag, error) {
	head := raw
	var tags []IdentityTag
	for head != "" {
		idx := strings.LastIndexByte(head, '&')
		segment := head[idx+1:]
		key, value, err := decodeSegment(segment)
		if err != nil {
			return "", nil, err
		}
		kind, ok := tagKindForKey(key)
		if !ok {
			break
		}
		tags = append([]IdentityTag{{Kind: kind, Value: value}}, tags...)
		if idx < 0 {
			head = ""

			break
		}
		head = head[:idx]
	}

	return head, tags, nil
}

func joinTags(head string, tags []IdentityTag) string {
	var b strings.Builder
	b.WriteString(head)
	for _, tag := range tags {
		writePair(&b, tag.Kind.Key(), tag.Value)
	}

	return b.String()
}

// extractField removes every top-level segment named key from head and
// returns the last value found. Other segments are kept untouched.
func extractField(head, key string) (string, string, bool, error) {
	if head == "" {
		return head, "", false, nil
	}
	segments := strings.Split(head, "&")
	kept := segments[:0]
	var (
		value string
		found bool
	)
	for _, segment := range segments {
		segKey, segValue, err := decodeSegment(segment)
		if err != nil {
			return "", "", false, err
		}
		if segKey == key {
			value = segValue
			found = true

			continue
		}
		kept = append(kept, segment)
	}

	return strings.Join(kept, "&"), value, found, nil
}

func findTag(tags []IdentityTag, kind TagKind) (string, bool) {
	for _, tag := range tags {
		if tag.Kind == kind {
			return tag.Value, true
		}
	}

	return "", false
}
