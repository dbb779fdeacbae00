package ot

import "encoding/json"

// MarshalJSON implements json.Marshaler, encoding the operation as the flat
// wire array produced by ToJSON.
func (op *Operation) MarshalJSON() ([]byte, error) {
	return json.Marshal(op.ToJSON())
}

// UnmarshalJSON implements json.Unmarshaler, decoding the flat wire array
// accepted by FromJSON.
func (op *Operation) UnmarshalJSON(data []byte) error {
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return newError(InvalidEncoding, err.Error())
	}
	parsed, err := FromJSON(raw)
	if err != nil {
		return err
	}
	*op = *parsed
	return nil
}
