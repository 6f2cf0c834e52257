package directory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prismhq/prism/pkg/errors"
)

func TestRunWithContextClassifiesDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := runWithContext(ctx, func() error {
		time.Sleep(time.Second)
		return nil
	})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTimeout),
		"deadline expiry must classify as timeout, got %v", err)
}

func TestRunWithContextClassifiesCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := runWithContext(ctx, func() error {
		time.Sleep(time.Second)
		return nil
	})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCancelled))
}
