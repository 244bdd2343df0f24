package handler

import "fmt"

func errInvalidQuery(name, value string) error {
	return fmt.Errorf("invalid value %q for query parameter %s", value, name)
}
