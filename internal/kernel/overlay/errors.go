package overlay

import (
	"errors"
	"fmt"
)

var errNoComponent = errors.New("loader returned no component")

func panicError(r interface{}) error {
	return fmt.Errorf("panicked: %v", r)
}
