package driver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalgrid/conductor/internal/model"
)

func testMethod(name string, httpMethods []string, sync bool) *PassthruMethod {
	return &PassthruMethod{
		Name:        name,
		HTTPMethods: httpMethods,
		Sync:        sync,
		Handler: func(_ context.Context, _ *model.Node, _ map[string]any) (any, error) {
			return nil, nil
		},
	}
}

func TestPassthruSetRoute(t *testing.T) {
	set := NewPassthruSet(
		testMethod("reset_bmc", []string{"POST"}, false),
		testMethod("get_settings", []string{"GET"}, true),
	)

	m, err := set.Route("reset_bmc", "POST")
	require.NoError(t, err)
	assert.Equal(t, "reset_bmc", m.Name)

	_, err = set.Route("reset_bmc", "GET")
	var methodErr *model.MethodNotAllowedError
	require.ErrorAs(t, err, &methodErr)
	assert.Equal(t, "reset_bmc", methodErr.Method)
	assert.Equal(t, "GET", methodErr.Verb)

	_, err = set.Route("no_such_method", "POST")
	var notFound *model.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestPassthruSetDefaults(t *testing.T) {
	// A registration without HTTP methods accepts POST only and runs
	// asynchronously.
	set := NewPassthruSet(testMethod("bare", nil, false))

	_, err := set.Route("bare", "POST")
	require.NoError(t, err)

	_, err = set.Route("bare", "GET")
	var methodErr *model.MethodNotAllowedError
	require.ErrorAs(t, err, &methodErr)

	info := set.Methods()
	require.Contains(t, info, "bare")
	assert.True(t, info["bare"].Async)
	assert.Equal(t, []string{"POST"}, info["bare"].HTTPMethods)
}

func TestPassthruSetMethods(t *testing.T) {
	set := NewPassthruSet(
		testMethod("async_op", []string{"POST"}, false),
		testMethod("sync_op", []string{"GET"}, true),
	)

	info := set.Methods()
	require.Len(t, info, 2)
	assert.True(t, info["async_op"].Async)
	assert.False(t, info["sync_op"].Async)
}
