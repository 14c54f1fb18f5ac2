package api

// Money travels as decimal strings so no precision is lost in transit.
const money = `{"type": "string", "pattern": "^[0-9]+(\\.[0-9]{1,4})?$"}`

const signedMoney = `{"type": "string", "pattern": "^-?[0-9]+(\\.[0-9]{1,4})?$"}`

const createWalletSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["order_id", "event_date"],
  "properties": {
    "order_id": {"type": "string", "minLength": 1, "maxLength": 128},
    "seller_id": {"type": "string", "maxLength": 128},
    "deposit_amount": ` + money + `,
    "final_amount": ` + money + `,
    "amount": ` + money + `,
    "deposit_percent": {"type": "string", "pattern": "^[0-9]{1,3}(\\.[0-9]+)?$"},
    "event_date": {"type": "string", "format": "date-time"},
    "release_conditions": {"type": "array", "items": {"type": "string", "minLength": 1}}
  },
  "oneOf": [
    {"required": ["deposit_amount", "final_amount"]},
    {"required": ["amount", "deposit_percent"]}
  ]
}`

const paymentSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["amount"],
  "properties": {
    "amount": ` + money + `,
    "idempotency_key": {"type": "string", "minLength": 1, "maxLength": 255},
    "reference": {"type": "string", "maxLength": 255},
    "actor": {"type": "string", "maxLength": 255}
  }
}`

const actorSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "actor": {"type": "string", "maxLength": 255},
    "reason": {"type": "string", "maxLength": 1024},
    "idempotency_key": {"type": "string", "minLength": 1, "maxLength": 255}
  }
}`

const refundSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["requested_by"],
  "properties": {
    "requested_by": {"type": "string", "minLength": 1, "maxLength": 255},
    "reason": {"type": "string", "maxLength": 1024},
    "idempotency_key": {"type": "string", "minLength": 1, "maxLength": 255}
  }
}`

const openDisputeSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["reason_code", "opened_by"],
  "properties": {
    "reason_code": {"type": "string", "minLength": 1},
    "reason": {"type": "string", "maxLength": 2048},
    "opened_by": {"type": "string", "minLength": 1, "maxLength": 255},
    "idempotency_key": {"type": "string", "minLength": 1, "maxLength": 255},
    "metadata": {"type": "object"}
  }
}`

const resolveDisputeSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["outcome", "resolved_by"],
  "properties": {
    "outcome": {"type": "string", "enum": ["release_to_seller", "refund_buyer", "split"]},
    "refund_amount": ` + money + `,
    "penalty_amount": ` + money + `,
    "resolved_by": {"type": "string", "minLength": 1, "maxLength": 255},
    "note": {"type": "string", "maxLength": 2048},
    "idempotency_key": {"type": "string", "minLength": 1, "maxLength": 255}
  },
  "dependentRequired": {
    "refund_amount": ["penalty_amount"],
    "penalty_amount": ["refund_amount"]
  }
}`

const conditionSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["condition", "value"],
  "properties": {
    "condition": {"type": "string", "minLength": 1, "maxLength": 64},
    "value": {"type": "boolean"},
    "actor": {"type": "string", "maxLength": 255}
  }
}`

const adjustmentSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["amount", "reason", "actor"],
  "properties": {
    "amount": ` + signedMoney + `,
    "reason": {"type": "string", "minLength": 1, "maxLength": 1024},
    "actor": {"type": "string", "minLength": 1, "maxLength": 255},
    "reference_seq": {"type": "integer", "minimum": 0},
    "idempotency_key": {"type": "string", "minLength": 1, "maxLength": 255}
  }
}`

const rebuildSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["operator"],
  "properties": {
    "operator": {"type": "string", "minLength": 1, "maxLength": 255}
  }
}`
