package provider

import (
	"errors"
	"fmt"
)

// ErrMalformedDeclaration matches every *MalformedDeclarationError via errors.Is.
var ErrMalformedDeclaration = errors.New("malformed provider declaration")

// MalformedDeclarationError reports a provider declaration that violates the
// declaration contract, such as an empty service list.
type MalformedDeclarationError struct {
	ClassName string
	Reason    string
}

func (e *MalformedDeclarationError) Error() string {
	return fmt.Sprintf("malformed provider declaration on %s: %s", e.ClassName, e.Reason)
}

func (e *MalformedDeclarationError) Is(target error) bool {
	return target == ErrMalformedDeclaration
}
