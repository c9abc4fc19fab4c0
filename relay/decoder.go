package relay

import (
	"bytes"

	"github.com/tidwall/gjson"

	"github.com/ineyio/relaycore"
)

// decoder incrementally parses an event stream into a usage snapshot.
// Input may be split anywhere; an incomplete trailing line and the fields
// of an unfinished record stay buffered until more input arrives.
type decoder struct {
	usage relaycore.Usage

	partial []byte
	event   string
	data    [][]byte
}

// Feed consumes one chunk of the stream.
func (d *decoder) Feed(chunk []byte) {
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			d.partial = append(d.partial, chunk...)
			return
		}
		line := chunk[:i]
		if len(d.partial) > 0 {
			line = append(d.partial, line...)
			d.partial = d.partial[:0]
		}
		d.line(bytes.TrimSuffix(line, []byte{'\r'}))
		chunk = chunk[i+1:]
	}
}

// Flush decodes whatever is still buffered at end of stream.
func (d *decoder) Flush() {
	if len(d.partial) > 0 {
		line := d.partial
		d.partial = nil
		d.line(bytes.TrimSuffix(line, []byte{'\r'}))
	}
	d.dispatch()
}

// Pending reports whether a record is incomplete.
func (d *decoder) Pending() bool {
	return len(d.partial) > 0 || d.event != "" || len(d.data) > 0
}

func (d *decoder) line(line []byte) {
	if len(line) == 0 {
		d.dispatch()
		return
	}
	if line[0] == ':' {
		return
	}
	field, value, _ := bytes.Cut(line, []byte{':'})
	value = bytes.TrimPrefix(value, []byte{' '})
	switch string(field) {
	case "event":
		d.event = string(value)
	case "data":
		d.data = append(d.data, append([]byte(nil), value...))
	}
}

func (d *decoder) dispatch() {
	event, data := d.event, bytes.Join(d.data, []byte{'\n'})
	d.event, d.data = "", d.data[:0]
	if event == "" && len(data) == 0 {
		return
	}
	d.record(event, data)
}

func (d *decoder) record(event string, data []byte) {
	if string(bytes.TrimSpace(data)) == "[DONE]" {
		d.usage.Terminal = true
		return
	}
	if !gjson.ValidBytes(data) {
		d.usage.DecodeErrors++
		return
	}
	r := gjson.ParseBytes(data)
	typ := r.Get("type").String()
	if typ == "" {
		typ = event
	}

	u := &d.usage
	switch typ {
	case "message_start":
		m := r.Get("message")
		if model := m.Get("model").String(); model != "" {
			u.Model = model
		}
		applyUsage(u, m.Get("usage"))
	case "message_delta":
		applyUsage(u, r.Get("usage"))
		if s := r.Get("delta.stop_reason").String(); s != "" {
			u.StopReason = s
		}
	case "message_stop":
		u.Terminal = true
	case "error":
		u.Error = &relaycore.UpstreamError{
			Type:    r.Get("error.type").String(),
			Message: r.Get("error.message").String(),
		}
	case "response.completed":
		applyUsage(u, r.Get("response.usage"))
		u.Terminal = true
	default:
		if model := r.Get("model").String(); model != "" && u.Model == "" {
			u.Model = model
		}
		if usage := r.Get("usage"); usage.IsObject() {
			applyUsage(u, usage)
		}
		if s := r.Get("choices.0.finish_reason").String(); s != "" {
			u.StopReason = s
		}
	}
}

// applyUsage merges a usage object. Upstream counters are cumulative, so
// the maximum seen wins and a repeated report never double counts.
func applyUsage(u *relaycore.Usage, v gjson.Result) {
	if !v.Exists() {
		return
	}
	maxInto(&u.InputTokens, v, "input_tokens", "prompt_tokens")
	maxInto(&u.OutputTokens, v, "output_tokens", "completion_tokens")
	maxInto(&u.CacheCreationInputTokens, v, "cache_creation_input_tokens")
	maxInto(&u.CacheReadInputTokens, v, "cache_read_input_tokens", "prompt_tokens_details.cached_tokens")
}

func maxInto(dst *int64, v gjson.Result, paths ...string) {
	for _, p := range paths {
		f := v.Get(p)
		if !f.Exists() {
			continue
		}
		if n := f.Int(); n > *dst {
			*dst = n
		}
		return
	}
}

// DecodeJSON extracts usage from a complete non-streaming response body.
func DecodeJSON(body []byte) relaycore.Usage {
	var u relaycore.Usage
	u.Bytes = int64(len(body))
	if !gjson.ValidBytes(body) {
		u.DecodeErrors = 1
		return u
	}
	r := gjson.ParseBytes(body)
	if r.Get("type").String() == "error" || r.Get("error").IsObject() {
		u.Error = &relaycore.UpstreamError{
			Type:    r.Get("error.type").String(),
			Message: r.Get("error.message").String(),
		}
	}
	u.Model = r.Get("model").String()
	u.StopReason = r.Get("stop_reason").String()
	if u.StopReason == "" {
		u.StopReason = r.Get("choices.0.finish_reason").String()
	}
	applyUsage(&u, r.Get("usage"))
	u.Terminal = true
	return u
}
