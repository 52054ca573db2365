package session

import (
	"errors"

	"github.com/dukex/aether/pkg/taxonomy"
)

func asCoded(err error) (*taxonomy.Error, bool) {
	var coded *taxonomy.Error
	if errors.As(err, &coded) {
		return coded, true
	}

	return nil, false
}
