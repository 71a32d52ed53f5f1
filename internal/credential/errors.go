package credential

import "fmt"

// ConfigurationError is fatal: the server must not issue or check tokens
// without its secret key.
type ConfigurationError struct {
	Setting string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Setting, e.Reason)
}
