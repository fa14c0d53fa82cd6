package portal

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/godbus/dbus/v5"
)

// Handle is the platform half of a granted capture token: a started portal
// session and the PipeWire remote that exposes its stream.
type Handle struct {
	SessionPath dbus.ObjectPath
	NodeID      uint32
	Width       int
	Height      int

	remote *os.File

	released    chan struct{}
	releaseOnce sync.Once
	revoked     chan struct{}
	revokeOnce  sync.Once
}

func newHandle(path dbus.ObjectPath) *Handle {
	return &Handle{
		SessionPath: path,
		released:    make(chan struct{}),
		revoked:     make(chan struct{}),
	}
}

// Remote is the PipeWire connection fd, to be passed to a consumer process
func (h *Handle) Remote() *os.File {
	return h.remote
}

// Revoked is closed when the compositor ends the session on its own
func (h *Handle) Revoked() <-chan struct{} {
	return h.revoked
}

func (h *Handle) markRevoked() {
	h.revokeOnce.Do(func() { close(h.revoked) })
}

// markReleased reports whether this call performed the release
func (h *Handle) markReleased() bool {
	first := false
	h.releaseOnce.Do(func() {
		close(h.released)
		first = true
	})
	return first
}

// Stream is one entry of the Start response's streams list
type Stream struct {
	NodeID     uint32
	Size       [2]int32
	Position   [2]int32
	SourceType uint32
}

// parseResponse unpacks a Request.Response signal body (ua{sv})
func parseResponse(body []interface{}) (uint32, map[string]dbus.Variant, error) {
	if len(body) < 2 {
		return 0, nil, fmt.Errorf("invalid response: %d body fields", len(body))
	}
	code, ok := body[0].(uint32)
	if !ok {
		return 0, nil, fmt.Errorf("invalid response code type %T", body[0])
	}
	results, ok := body[1].(map[string]dbus.Variant)
	if !ok {
		return 0, nil, fmt.Errorf("invalid response results type %T", body[1])
	}
	return code, results, nil
}

func sessionHandleFrom(results map[string]dbus.Variant) (dbus.ObjectPath, error) {
	v, ok := results["session_handle"]
	if !ok {
		return "", errors.New("no session handle in response")
	}
	// Handle both string and ObjectPath types
	switch h := v.Value().(type) {
	case dbus.ObjectPath:
		return h, nil
	case string:
		return dbus.ObjectPath(h), nil
	default:
		return "", fmt.Errorf("unexpected session_handle type: %T", h)
	}
}

// parseStreams decodes the a(ua{sv}) streams result. Depending on the bus
// implementation the array arrives as [][]interface{} or as []interface{}
// of structs.
func parseStreams(results map[string]dbus.Variant) ([]Stream, error) {
	v, ok := results["streams"]
	if !ok {
		return nil, errors.New("no streams in response")
	}

	var raw [][]interface{}
	switch s := v.Value().(type) {
	case [][]interface{}:
		raw = s
	case []interface{}:
		for _, entry := range s {
			if fields, ok := entry.([]interface{}); ok {
				raw = append(raw, fields)
			}
		}
	default:
		return nil, fmt.Errorf("unknown streams format %T", s)
	}

	var streams []Stream
	for _, fields := range raw {
		if len(fields) < 1 {
			continue
		}
		nodeID, ok := fields[0].(uint32)
		if !ok {
			continue
		}
		stream := Stream{NodeID: nodeID}
		if len(fields) > 1 {
			if props, ok := fields[1].(map[string]dbus.Variant); ok {
				if size, ok := props["size"]; ok {
					stream.Size, _ = parseInt32Pair(size.Value())
				}
				if pos, ok := props["position"]; ok {
					stream.Position, _ = parseInt32Pair(pos.Value())
				}
				if st, ok := props["source_type"]; ok {
					stream.SourceType, _ = st.Value().(uint32)
				}
			}
		}
		streams = append(streams, stream)
	}

	if len(streams) == 0 {
		return nil, errors.New("no usable streams in response")
	}
	return streams, nil
}

func parseInt32Pair(value interface{}) ([2]int32, bool) {
	values, ok := value.([]interface{})
	if !ok || len(values) < 2 {
		return [2]int32{}, false
	}
	left, ok := values[0].(int32)
	if !ok {
		return [2]int32{}, false
	}
	right, ok := values[1].(int32)
	if !ok {
		return [2]int32{}, false
	}
	return [2]int32{left, right}, true
}
