package usedcss

import (
	"context"

	"github.com/teranos/usedcss/errors"
	"github.com/teranos/usedcss/logger"
)

// Admin clear constants
const (
	CapabilityRemoveUsedCSS = "rocket_remove_unused_css"
	ClearUsedCSSAction      = "rocket_clear_usedcss"

	MessageNotEnabled = "Used CSS option is not enabled!"
	MessageCleared    = "Used CSS cache cleared!"
)

// IssueClearToken hands a principal holding the capability a single-use
// token for ClearUsedCSS.
func (o *Orchestrator) IssueClearToken(ctx context.Context, principal string) (string, error) {
	if !o.authorizer.Can(principal, CapabilityRemoveUsedCSS) {
		return "", errors.Wrapf(errors.ErrForbidden, "%s cannot clear used css", principal)
	}
	return o.nonces.Issue(ctx, ClearUsedCSSAction, principal, o.Config().ClearTokenTTL())
}

// ClearUsedCSS is the admin "clear used CSS" action. The token is checked
// first, then the capability; either failing mutates nothing. With the
// pipeline disabled an error notice is stored, otherwise every record is
// dropped, the cache purged and a success notice stored.
func (o *Orchestrator) ClearUsedCSS(ctx context.Context, principal, token string) (Notice, error) {
	ok, err := o.nonces.Consume(ctx, ClearUsedCSSAction, principal, token)
	if err != nil {
		return Notice{}, err
	}
	if !ok {
		return Notice{}, errors.Wrap(errors.ErrReplay, "clear used css token rejected")
	}
	if !o.authorizer.Can(principal, CapabilityRemoveUsedCSS) {
		return Notice{}, errors.Wrapf(errors.ErrForbidden, "%s cannot clear used css", principal)
	}

	if !o.enabled() {
		n := Notice{Status: NoticeError, Message: MessageNotEnabled}
		o.notices.Put(principal, n)
		return n, nil
	}

	count, err := o.store.Truncate(ctx)
	if err != nil {
		return Notice{}, err
	}
	o.purger.PurgeDomain()
	o.logger.Infow("Used CSS cleared by admin", "principal", principal, logger.FieldCount, count)

	n := Notice{Status: NoticeSuccess, Message: MessageCleared}
	o.notices.Put(principal, n)
	return n, nil
}

// ConsumeNotice returns and forgets the principal's pending clear notice.
// Principals without the capability never see one.
func (o *Orchestrator) ConsumeNotice(principal string) (Notice, bool) {
	if !o.authorizer.Can(principal, CapabilityRemoveUsedCSS) {
		return Notice{}, false
	}
	return o.notices.Take(principal)
}
