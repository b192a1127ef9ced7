package opstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const settingsSchema = `{
  "type": "object",
  "properties": {
    "clients": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "email": {"type": "string"},
          "enable": {"type": "boolean"},
          "totalGB": {"type": ["number", "null"]},
          "expiryTime": {"type": ["number", "null"]}
        }
      }
    }
  }
}`

var compiledSettingsSchema = mustCompileSettingsSchema()

func mustCompileSettingsSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("settings.json", strings.NewReader(settingsSchema)); err != nil {
		panic(err)
	}
	return compiler.MustCompile("settings.json")
}

const (
	fieldEmail  = "email"
	fieldEnable = "enable"
	fieldTotal  = "totalGB"
	fieldExpiry = "expiryTime"
)

// Client is one entry of an inbound's clients array. Fields the engine owns
// but this package does not model are kept verbatim in raw.
type Client struct {
	Email      string
	Enable     bool
	TotalBytes uint64
	ExpiryTime int64

	raw     map[string]json.RawMessage
	decoded clientFields
}

type clientFields struct {
	Email      string
	Enable     bool
	TotalBytes uint64
	ExpiryTime int64
}

func (c *Client) fields() clientFields {
	return clientFields{Email: c.Email, Enable: c.Enable, TotalBytes: c.TotalBytes, ExpiryTime: c.ExpiryTime}
}

func (c *Client) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.raw = raw
	if v, ok := raw[fieldEmail]; ok {
		if err := json.Unmarshal(v, &c.Email); err != nil {
			return fmt.Errorf("client email: %w", err)
		}
	}
	if v, ok := raw[fieldEnable]; ok {
		if err := json.Unmarshal(v, &c.Enable); err != nil {
			return fmt.Errorf("client %q enable: %w", c.Email, err)
		}
	}
	if v, ok := raw[fieldTotal]; ok {
		n, err := parseNumber(v)
		if err != nil {
			return fmt.Errorf("client %q totalGB: %w", c.Email, err)
		}
		if n < 0 {
			n = 0
		}
		c.TotalBytes = uint64(n)
	}
	if v, ok := raw[fieldExpiry]; ok {
		n, err := parseNumber(v)
		if err != nil {
			return fmt.Errorf("client %q expiryTime: %w", c.Email, err)
		}
		c.ExpiryTime = n
	}
	c.decoded = c.fields()
	return nil
}

// MarshalJSON only rewrites modelled fields whose value changed since decode,
// so untouched clients come back out exactly as the engine wrote them.
func (c Client) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(c.raw)+4)
	for k, v := range c.raw {
		out[k] = v
	}
	current := c.fields()
	set := func(key string, value any, changed, zero bool) error {
		_, present := c.raw[key]
		if present && !changed {
			return nil
		}
		if !present && zero {
			return nil
		}
		encoded, err := encodeJSON(value, false)
		if err != nil {
			return err
		}
		out[key] = encoded
		return nil
	}
	if err := set(fieldEmail, c.Email, current.Email != c.decoded.Email, c.Email == ""); err != nil {
		return nil, err
	}
	if err := set(fieldEnable, c.Enable, current.Enable != c.decoded.Enable, !c.Enable); err != nil {
		return nil, err
	}
	if err := set(fieldTotal, c.TotalBytes, current.TotalBytes != c.decoded.TotalBytes, c.TotalBytes == 0); err != nil {
		return nil, err
	}
	if err := set(fieldExpiry, c.ExpiryTime, current.ExpiryTime != c.decoded.ExpiryTime, c.ExpiryTime == 0); err != nil {
		return nil, err
	}
	return encodeJSON(out, false)
}

// InboundSettings is the decoded settings column of one inbound row.
type InboundSettings struct {
	Clients []Client

	raw map[string]json.RawMessage
}

// DecodeSettings validates and decodes a settings blob. An empty blob decodes
// to a container with no clients.
func DecodeSettings(data []byte) (*InboundSettings, error) {
	settings := &InboundSettings{raw: map[string]json.RawMessage{}}
	if len(bytes.TrimSpace(data)) == 0 {
		return settings, nil
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if err := compiledSettingsSchema.Validate(doc); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(data, &settings.raw); err != nil {
		return nil, err
	}
	if clients, ok := settings.raw["clients"]; ok {
		if err := json.Unmarshal(clients, &settings.Clients); err != nil {
			return nil, err
		}
	}
	return settings, nil
}

// Encode writes the container back with every unmodelled field intact.
func (s *InboundSettings) Encode() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(s.raw)+1)
	for k, v := range s.raw {
		out[k] = v
	}
	if _, present := s.raw["clients"]; present || len(s.Clients) > 0 {
		clients := s.Clients
		if clients == nil {
			clients = []Client{}
		}
		encoded, err := encodeJSON(clients, false)
		if err != nil {
			return nil, err
		}
		out["clients"] = encoded
	}
	return encodeJSON(out, true)
}

// Find returns the index of the client with the given key, or -1.
func (s *InboundSettings) Find(key string) int {
	for i := range s.Clients {
		if s.Clients[i].Email == key {
			return i
		}
	}
	return -1
}

func encodeJSON(v any, indent bool) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if indent {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// parseNumber accepts integers and floats; the engine has written both.
func parseNumber(raw json.RawMessage) (int64, error) {
	text := strings.TrimSpace(string(raw))
	if text == "null" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(text, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, err
	}
	if f > math.MaxInt64 || f < math.MinInt64 {
		return 0, fmt.Errorf("number %s out of range", text)
	}
	return int64(f), nil
}
