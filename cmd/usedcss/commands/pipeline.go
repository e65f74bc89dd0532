package commands

import (
	"database/sql"

	"go.uber.org/zap"

	"github.com/teranos/usedcss/am"
	"github.com/teranos/usedcss/compute"
	"github.com/teranos/usedcss/content"
	"github.com/teranos/usedcss/errors"
	"github.com/teranos/usedcss/purge"
	"github.com/teranos/usedcss/pulse/schedule"
	"github.com/teranos/usedcss/usedcss"
)

// cliPrincipal is the principal local commands act as
const cliPrincipal = usedcss.LocalPrincipal

// pipeline is the wired set of components a command works with
type pipeline struct {
	cfg    *am.Config
	db     *sql.DB
	queue  *schedule.Queue
	purger purge.Purger
	orch   *usedcss.Orchestrator
}

// newPipeline builds the orchestrator and its collaborators from cfg.
// events may be nil, in which case events are only logged. Only a local
// pipeline grants cliPrincipal the clear capability; the one behind the HTTP
// server trusts server.admins alone.
func newPipeline(cfg *am.Config, database *sql.DB, events usedcss.EventSink, local bool, log *zap.SugaredLogger) (*pipeline, error) {
	client, err := compute.NewHTTPClient(cfg.Compute, log)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create compute client")
	}

	var purger purge.Purger = purge.Nop{}
	if len(cfg.Purge.Endpoints) > 0 {
		p, err := purge.NewHTTPPurger(cfg.Purge, log)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create purger")
		}
		purger = p
	}

	var resolver usedcss.ContentResolver
	if cfg.Content.BaseURL != "" {
		r, err := content.NewHTTPResolver(cfg.Content, log)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create content resolver")
		}
		resolver = r
	}

	auth := usedcss.StaticAuthorizer{}
	for _, admin := range cfg.Server.Admins {
		if admin == cliPrincipal {
			continue
		}
		auth[admin] = []string{usedcss.CapabilityRemoveUsedCSS}
	}
	if local {
		auth[cliPrincipal] = []string{usedcss.CapabilityRemoveUsedCSS}
	}

	queue := schedule.NewQueue(database, log)
	orch := usedcss.NewOrchestrator(database, usedcss.Options{
		Config:         cfg.UsedCSS,
		RequestTimeout: cfg.Compute.RequestTimeout(),
		Queue:          queue,
		Client:         client,
		Purger:         purger,
		Events:         events,
		Authorizer:     auth,
		Resolver:       resolver,
	}, log)

	return &pipeline{cfg: cfg, db: database, queue: queue, purger: purger, orch: orch}, nil
}

// wait lets in-flight purges finish before the process exits
func (p *pipeline) wait() {
	if w, ok := p.purger.(interface{ Wait() }); ok {
		w.Wait()
	}
}
