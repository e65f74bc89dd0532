package usedcss

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/usedcss/am"
	"github.com/teranos/usedcss/errors"
)

func TestClearUsedCSS(t *testing.T) {
	h := newHarness(t, enabledConfig())
	ctx := context.Background()
	h.queueRecord(t, "/a", "J1")

	token, err := h.o.IssueClearToken(ctx, "admin")
	require.NoError(t, err)

	notice, err := h.o.ClearUsedCSS(ctx, "admin", token)
	require.NoError(t, err)
	assert.Equal(t, Notice{Status: NoticeSuccess, Message: MessageCleared}, notice)
	assert.Equal(t, 1, h.purger.domains)

	counts, err := h.o.store.Count(ctx)
	require.NoError(t, err)
	assert.Empty(t, counts)

	shown, ok := h.o.ConsumeNotice("admin")
	require.True(t, ok)
	assert.Equal(t, MessageCleared, shown.Message)
	_, ok = h.o.ConsumeNotice("admin")
	assert.False(t, ok, "notice is shown once")

	_, err = h.o.ClearUsedCSS(ctx, "admin", token)
	assert.True(t, errors.Is(err, errors.ErrReplay), "token is single use")
	assert.Equal(t, 1, h.purger.domains)
}

func TestClearUsedCSS_BadTokenMutatesNothing(t *testing.T) {
	h := newHarness(t, enabledConfig())
	ctx := context.Background()
	h.queueRecord(t, "/a", "J1")

	_, err := h.o.ClearUsedCSS(ctx, "admin", "forged")
	assert.True(t, errors.Is(err, errors.ErrReplay))

	counts, err := h.o.store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StatusQueued])
	assert.Zero(t, h.purger.domains)
	_, ok := h.o.ConsumeNotice("admin")
	assert.False(t, ok)
}

func TestClearUsedCSS_Forbidden(t *testing.T) {
	h := newHarness(t, enabledConfig())
	ctx := context.Background()
	h.queueRecord(t, "/a", "J1")

	_, err := h.o.IssueClearToken(ctx, "editor")
	assert.True(t, errors.Is(err, errors.ErrForbidden))

	// a token issued directly still needs the capability
	token, err := h.o.nonces.Issue(ctx, ClearUsedCSSAction, "editor", h.o.Config().ClearTokenTTL())
	require.NoError(t, err)
	_, err = h.o.ClearUsedCSS(ctx, "editor", token)
	assert.True(t, errors.Is(err, errors.ErrForbidden))

	counts, err := h.o.store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StatusQueued])

	_, ok := h.o.ConsumeNotice("editor")
	assert.False(t, ok)
}

func TestClearUsedCSS_Disabled(t *testing.T) {
	h := newHarness(t, am.UsedCSSConfig{})
	ctx := context.Background()
	h.queueRecord(t, "/a", "J1")

	token, err := h.o.IssueClearToken(ctx, "admin")
	require.NoError(t, err)

	notice, err := h.o.ClearUsedCSS(ctx, "admin", token)
	require.NoError(t, err)
	assert.Equal(t, NoticeError, notice.Status)
	assert.Equal(t, MessageNotEnabled, notice.Message)

	counts, err := h.o.store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StatusQueued])
	assert.Zero(t, h.purger.domains)

	shown, ok := h.o.ConsumeNotice("admin")
	require.True(t, ok)
	assert.Equal(t, MessageNotEnabled, shown.Message)
}
