//go:build !windows

// Package winpipe provides Windows named-pipe Matilda nodes. On other
// platforms the constructors fail at runtime.
package winpipe

import (
	"context"
	"errors"

	"github.com/adrenak/Matilda/pkg/transport"
)

var errUnsupported = errors.New("winpipe: not supported on this platform")

// Listen fails: named pipes require Windows.
func Listen(string) (transport.Node, error) { return nil, errUnsupported }

// Dial fails: named pipes require Windows.
func Dial(context.Context, string) (transport.Node, error) { return nil, errUnsupported }
