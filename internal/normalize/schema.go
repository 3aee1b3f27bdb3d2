package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Keywords Gemini rejects in function parameter schemas.
var droppedKeywords = map[string]bool{
	"additionalProperties": true,
	"default":              true,
	"$schema":              true,
	"$id":                  true,
	"examples":             true,
}

var allowedFormats = map[string]bool{
	"enum":      true,
	"date-time": true,
}

// Keywords whose value is a map of name -> subschema.
var schemaMaps = map[string]bool{
	"properties":        true,
	"patternProperties": true,
	"$defs":             true,
	"definitions":       true,
}

// Keywords whose value is a subschema or a list of subschemas.
var schemaLists = map[string]bool{
	"items":       true,
	"prefixItems": true,
	"anyOf":       true,
	"oneOf":       true,
	"allOf":       true,
	"not":         true,
	"if":          true,
	"then":        true,
	"else":        true,
}

// ErrInvalidSchema is returned for tool schemas that are not JSON objects.
var ErrInvalidSchema = errors.New("schema must be a JSON object")

// CleanSchema removes keywords the upstream does not accept from a JSON
// Schema, recursively. Property names are never touched, so a property
// called "default" survives.
func CleanSchema(schema json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(schema)) == 0 {
		return nil, nil
	}
	if !gjson.ValidBytes(schema) {
		return nil, ErrInvalidSchema
	}
	root := gjson.ParseBytes(schema)
	if !root.IsObject() {
		return nil, ErrInvalidSchema
	}

	var drops []string
	collectDrops(root, "", &drops)
	if len(drops) == 0 {
		return schema, nil
	}

	out := append([]byte(nil), schema...)
	for i := len(drops) - 1; i >= 0; i-- {
		var err error
		out, err = sjson.DeleteBytes(out, drops[i])
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func collectDrops(node gjson.Result, path string, drops *[]string) {
	if !node.IsObject() {
		return
	}
	node.ForEach(func(k, v gjson.Result) bool {
		key := k.String()
		p := joinPath(path, gjson.Escape(key))
		switch {
		case droppedKeywords[key]:
			*drops = append(*drops, p)
		case key == "format":
			if v.Type == gjson.String && !allowedFormats[v.String()] {
				*drops = append(*drops, p)
			}
		case schemaMaps[key]:
			v.ForEach(func(name, sub gjson.Result) bool {
				collectDrops(sub, joinPath(p, gjson.Escape(name.String())), drops)
				return true
			})
		case schemaLists[key]:
			if v.IsArray() {
				for i, sub := range v.Array() {
					collectDrops(sub, joinPath(p, strconv.Itoa(i)), drops)
				}
			} else {
				collectDrops(v, p, drops)
			}
		}
		return true
	})
}

func joinPath(base, part string) string {
	if base == "" {
		return part
	}
	return base + "." + part
}
