//go:build tools

// Package tools pins Go-based tools invoked via `go generate` (mockgen) so go.mod tracks them.
package marketchat

import (
	_ "go.uber.org/mock/mockgen"
)
