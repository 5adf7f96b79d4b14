package types

// redactedPlaceholder replaces secret values in logs and serialized output.
const redactedPlaceholder = "***REDACTED***"

var redactedJSON = []byte(`"***REDACTED***"`)

// SecretString holds a sensitive value (provider API key, store DSN) and
// refuses to print it. String() and MarshalJSON() return a redacted
// placeholder so fmt functions and JSON-serialized config dumps never leak
// the plaintext. Call Unmask() at the point the raw value is genuinely
// required.
type SecretString string

// String returns the redacted placeholder.
func (s SecretString) String() string {
	return redactedPlaceholder
}

// MarshalJSON returns the redacted placeholder as a JSON string.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return redactedJSON, nil
}

// Unmask returns the raw plaintext value.
func (s SecretString) Unmask() string {
	return string(s)
}
