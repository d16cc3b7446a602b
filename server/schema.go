package server

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// settleRequestSchema validates the settle body shape before the payload
// union parser runs, so schema failures produce a 400 with a pointed message
// instead of a generic parse error.
const settleRequestSchema = `{
	"type": "object",
	"required": ["x402Version", "scheme", "network", "payer"],
	"properties": {
		"x402Version": {"type": "integer", "minimum": 1},
		"scheme": {"type": "string", "enum": ["batch-witness", "authorization-transfer"]},
		"network": {"type": "string", "pattern": "^eip155:[0-9]+$"},
		"payer": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
		"batchWitness": {
			"type": "object",
			"required": ["permitted", "nonce", "deadline", "witness", "spender", "signature"],
			"properties": {
				"permitted": {
					"type": "array",
					"minItems": 2,
					"maxItems": 2,
					"items": {
						"type": "object",
						"required": ["token", "amount"],
						"properties": {
							"token": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
							"amount": {"type": "string", "pattern": "^[0-9]+$"}
						}
					}
				},
				"nonce": {"type": "string", "pattern": "^[0-9]+$"},
				"deadline": {"type": "integer"},
				"witness": {
					"type": "object",
					"required": ["recipient", "feeBps"],
					"properties": {
						"recipient": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
						"feeBps": {"type": "integer", "minimum": 0, "maximum": 1000}
					}
				},
				"spender": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
				"signature": {"type": "string", "pattern": "^0x[0-9a-fA-F]{130}$"}
			}
		},
		"authTransfer": {
			"type": "object",
			"required": ["authorization", "recipient", "signature"],
			"properties": {
				"authorization": {
					"type": "object",
					"required": ["from", "to", "value", "validBefore", "nonce"],
					"properties": {
						"from": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
						"to": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
						"value": {"type": "string", "pattern": "^[0-9]+$"},
						"validAfter": {"type": "integer"},
						"validBefore": {"type": "integer"},
						"nonce": {"type": "string", "pattern": "^0x[0-9a-fA-F]{64}$"}
					}
				},
				"recipient": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
				"signature": {"type": "string", "pattern": "^0x[0-9a-fA-F]{130}$"}
			}
		}
	}
}`

var settleSchema = gojsonschema.NewStringLoader(settleRequestSchema)

// validateSettleBody runs the JSON-schema check on a raw settle body.
func validateSettleBody(body []byte) error {
	result, err := gojsonschema.Validate(settleSchema, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if !result.Valid() {
		first := result.Errors()[0]
		return fmt.Errorf("schema violation: %s", first.String())
	}
	return nil
}
