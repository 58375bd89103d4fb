package svcbus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type unitCall struct {
	verb string
	name string
	mode string
}

type fakeSystemd struct {
	calls   []unitCall
	results map[string]string
	err     error
	closed  int
}

func (f *fakeSystemd) StartUnitContext(_ context.Context, name, mode string, ch chan<- string) (int, error) {
	f.calls = append(f.calls, unitCall{"start", name, mode})
	return f.finish(name, ch)
}

func (f *fakeSystemd) StopUnitContext(_ context.Context, name, mode string, ch chan<- string) (int, error) {
	f.calls = append(f.calls, unitCall{"stop", name, mode})
	return f.finish(name, ch)
}

func (f *fakeSystemd) finish(name string, ch chan<- string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	result := "done"
	if r, ok := f.results[name]; ok {
		result = r
	}
	ch <- result
	return 1, nil
}

func (f *fakeSystemd) Close() {
	f.closed++
}

func TestStartUnitUsesReplaceMode(t *testing.T) {
	f := &fakeSystemd{}
	c := &Client{conn: f}

	require.NoError(t, c.StartUnit(context.Background(), "unbound.service"))
	require.Len(t, f.calls, 1)
	assert.Equal(t, unitCall{"start", "unbound.service", "replace"}, f.calls[0])
}

func TestStopUnitUsesReplaceMode(t *testing.T) {
	f := &fakeSystemd{}
	c := &Client{conn: f}

	require.NoError(t, c.StopUnit(context.Background(), "chrony.service"))
	require.Len(t, f.calls, 1)
	assert.Equal(t, unitCall{"stop", "chrony.service", "replace"}, f.calls[0])
}

func TestUnitJobFailureIsAnError(t *testing.T) {
	f := &fakeSystemd{results: map[string]string{"unbound.service": "failed"}}
	c := &Client{conn: f}

	err := c.StartUnit(context.Background(), "unbound.service")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")
}

func TestUnitCallErrorIsAnError(t *testing.T) {
	f := &fakeSystemd{err: errors.New("no bus")}
	c := &Client{conn: f}

	assert.Error(t, c.StopUnit(context.Background(), "chrony.service"))
}

func TestCloseIsIdempotent(t *testing.T) {
	f := &fakeSystemd{}
	c := &Client{conn: f}

	c.Close()
	c.Close()
	assert.Equal(t, 1, f.closed)
}
