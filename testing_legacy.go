package libmux

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

type mockLegacyRequester struct {
	mock.Mock
}

func (m *mockLegacyRequester) Do(ctx context.Context, method string, params any, timeout time.Duration) ([]byte, error) {
	args := m.Called(ctx, method, params, timeout)
	var res []byte
	if v := args.Get(0); v != nil {
		res = v.([]byte)
	}
	return res, args.Error(1)
}
