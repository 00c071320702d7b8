package persistence

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"
)

// snapshotSchema is what a client may hand back for restoration. Extra keys
// are rejected so a tampered snapshot cannot smuggle fields.
const snapshotSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["paymentId", "status", "amount", "resourceId"],
  "additionalProperties": false,
  "properties": {
    "paymentId":          {"type": "string", "pattern": "^pay_[0-9a-fA-F-]{36}$"},
    "status":             {"enum": ["INITIALIZED", "PENDING", "PROCESSING", "CONFIRMED", "FAILED", "TIMEOUT", "CANCELED"]},
    "resourceId":         {"type": "string", "minLength": 1},
    "amount":             {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?$"},
    "transferSignature":  {"type": "string", "pattern": "^[1-9A-HJ-NP-Za-km-z]{64,88}$"},
    "instrumentSymbol":   {"type": "string"},
    "instrumentMint":     {"type": "string"},
    "instrumentDecimals": {"type": "string", "pattern": "^[0-9]{1,2}$"},
    "walletAddress":      {"type": "string"},
    "recipientAddress":   {"type": "string"},
    "durableRecordId":    {"type": "string", "pattern": "^[0-9]+$"},
    "attempts":           {"type": "string", "pattern": "^[0-9]+$"},
    "createdAt":          {"type": "string"},
    "updatedAt":          {"type": "string"},
    "expiresAt":          {"type": "string"},
    "lastErrorCategory":  {"type": "string"},
    "lastErrorCode":      {"type": "string"},
    "lastErrorRetryable": {"enum": ["true", "false"]},
    "lastErrorMessage":   {"type": "string"}
  }
}`

var compiledSchema = mustSchema(snapshotSchema)

func mustSchema(src string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(err)
	}
	return s
}

// ValidateSnapshot checks a client-supplied snapshot before it is decoded.
func ValidateSnapshot(snap Snapshot) error {
	doc := make(map[string]interface{}, len(snap))
	for k, v := range snap {
		doc[k] = v
	}
	res, err := compiledSchema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return errors.Wrap(err, "validate snapshot")
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return errors.Wrap(ErrMalformed, strings.Join(msgs, "; "))
}
