package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/chaintrace-engine/internal/config"
	"github.com/rawblock/chaintrace-engine/internal/db"
	"github.com/rawblock/chaintrace-engine/internal/gate"
	"github.com/rawblock/chaintrace-engine/internal/ledger"
	"github.com/rawblock/chaintrace-engine/internal/normalize"
	"github.com/rawblock/chaintrace-engine/internal/run"
	"github.com/rawblock/chaintrace-engine/pkg/models"
)

// POST /api/v1/investigations
// Opens a new investigation run for a token launch.
func (s *Server) handleCreateInvestigation(c *gin.Context) {
	var req struct {
		Chain    string    `json:"chain" binding:"required"`
		Asset    string    `json:"asset" binding:"required"`
		Announce time.Time `json:"announce" binding:"required"`
		LPUSD    float64   `json:"lpUsd"`
		Mode     string    `json:"mode"` // "standard" or "deep"
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	inv, err := s.runs.Start(run.Params{
		Chain:    req.Chain,
		Asset:    req.Asset,
		Announce: req.Announce,
		LPUSD:    req.LPUSD,
		Mode:     gate.Mode(req.Mode),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if s.store != nil {
		rec := runRecord(inv)
		if err := s.store.SaveRun(c.Request.Context(), rec); err != nil {
			s.log.Error().Err(err).Str("run", inv.ID).Msg("failed to persist run")
		}
	}

	c.JSON(http.StatusCreated, gin.H{
		"status": "created",
		"id":     inv.ID,
		"params": inv.Params,
	})
}

// GET /api/v1/investigations
func (s *Server) handleListInvestigations(c *gin.Context) {
	invs := s.runs.List()
	out := make([]gin.H, 0, len(invs))
	for _, inv := range invs {
		out = append(out, gin.H{
			"id":           inv.ID,
			"params":       inv.Params,
			"started":      inv.Started,
			"observations": inv.Ledger().Size(),
			"clusters":     len(inv.Clusters()),
		})
	}
	c.JSON(http.StatusOK, gin.H{"investigations": out, "total": len(out)})
}

// GET /api/v1/investigations/:id
func (s *Server) handleGetInvestigation(c *gin.Context) {
	inv, ok := s.lookupRun(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":           inv.ID,
		"params":       inv.Params,
		"started":      inv.Started,
		"observations": inv.Ledger().Size(),
		"clusters":     inv.Clusters(),
		"claims":       inv.ClaimMatrix(),
	})
}

// POST /api/v1/investigations/:id/observations
// Ingests one normalized observation into the run's evidence ledger.
// The EID comes back in the response; duplicates return the original
// EID with deduplicated=true.
func (s *Server) handleIngestObservation(c *gin.Context) {
	inv, ok := s.lookupRun(c)
	if !ok {
		return
	}

	var obs models.Observation
	if err := c.ShouldBindJSON(&obs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid observation: " + err.Error()})
		return
	}
	if obs.PayloadHash == "" {
		hash, herr := normalize.PayloadHash(obs.Payload)
		if herr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": herr.Error()})
			return
		}
		obs.PayloadHash = hash
	}

	before := inv.Ledger().Size()
	eid, err := inv.Ingest(obs)
	if err != nil {
		if errors.Is(err, ledger.ErrDataIntegrity) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if s.store != nil {
		if recorded, lerr := inv.Ledger().Get(eid); lerr == nil {
			if serr := s.store.SaveObservation(c.Request.Context(), inv.ID, recorded); serr != nil {
				s.log.Error().Err(serr).Int64("eid", eid).Msg("failed to persist observation")
			}
		}
	}

	hits := s.checkTransferWatch(inv.ID, obs)
	c.JSON(http.StatusCreated, gin.H{
		"eid":           eid,
		"deduplicated":  inv.Ledger().Size() == before,
		"watchlistHits": hits,
	})
}

// POST /api/v1/investigations/:id/recompute
// Rebuilds features and clusters from the current evidence.
func (s *Server) handleRecompute(c *gin.Context) {
	inv, ok := s.lookupRun(c)
	if !ok {
		return
	}

	clusters, err := inv.Recompute(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if s.store != nil {
		if err := s.store.ReplaceClusters(c.Request.Context(), inv.ID, clusters); err != nil {
			s.log.Error().Err(err).Str("run", inv.ID).Msg("failed to persist clusters")
		}
	}

	for _, cl := range clusters {
		hits := s.watchlist.CheckCluster(cl)
		s.alertMgr.EmitCluster(inv.ID, cl, hits)
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "recomputed",
		"clusters": clusters,
		"total":    len(clusters),
	})
}

// POST /api/v1/investigations/:id/shadow
// Scores the run under a candidate threshold table alongside the live
// one and reports partition agreement between the two labelings.
func (s *Server) handleShadowCompare(c *gin.Context) {
	inv, ok := s.lookupRun(c)
	if !ok {
		return
	}

	var candidate map[string]config.Thresholds
	if err := c.ShouldBindJSON(&candidate); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid threshold table: " + err.Error()})
		return
	}
	if len(candidate) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "threshold table is empty"})
		return
	}

	result, err := inv.ShadowCompare(c.Request.Context(), candidate)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// GET /api/v1/investigations/:id/clusters
func (s *Server) handleGetClusters(c *gin.Context) {
	inv, ok := s.lookupRun(c)
	if !ok {
		return
	}
	clusters := inv.Clusters()
	c.JSON(http.StatusOK, gin.H{"clusters": clusters, "total": len(clusters)})
}

// GET /api/v1/investigations/:id/holders
// Suspicious-holder findings from the ingested snapshots.
func (s *Server) handleGetHolderFindings(c *gin.Context) {
	inv, ok := s.lookupRun(c)
	if !ok {
		return
	}
	findings := inv.HolderFindings()
	c.JSON(http.StatusOK, gin.H{"findings": findings, "total": len(findings)})
}

// GET /api/v1/investigations/:id/clusters/:cid
func (s *Server) handleGetCluster(c *gin.Context) {
	inv, ok := s.lookupRun(c)
	if !ok {
		return
	}
	cl, err := inv.Cluster(c.Param("cid"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "cluster not found"})
		return
	}
	c.JSON(http.StatusOK, cl)
}

// GET /api/v1/investigations/:id/claims
func (s *Server) handleGetClaims(c *gin.Context) {
	inv, ok := s.lookupRun(c)
	if !ok {
		return
	}
	claims := inv.ClaimMatrix()
	c.JSON(http.StatusOK, gin.H{"claims": claims, "total": len(claims)})
}

// GET /api/v1/investigations/:id/contradictions
func (s *Server) handleGetContradictions(c *gin.Context) {
	inv, ok := s.lookupRun(c)
	if !ok {
		return
	}
	log := inv.ContradictionLog()
	c.JSON(http.StatusOK, gin.H{"contradictions": log, "total": len(log)})
}

// POST /api/v1/investigations/:id/claims/:claimId/supersede
// Resolves a contradicted claim with a strictly higher-tier citation.
func (s *Server) handleSupersede(c *gin.Context) {
	inv, ok := s.lookupRun(c)
	if !ok {
		return
	}

	var req struct {
		EID        int64  `json:"eid" binding:"required"`
		Resolution string `json:"resolution" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	claim, err := inv.Resolver().Supersede(c.Param("claimId"), req.EID, req.Resolution)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "superseded", "claim": claim})
}

// GET /api/v1/investigations/:id/timeline
func (s *Server) handleGetTimeline(c *gin.Context) {
	inv, ok := s.lookupRun(c)
	if !ok {
		return
	}
	events := inv.Timeline()
	turning := 0
	for _, e := range events {
		if e.TurningPoint {
			turning++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"events":        events,
		"total":         len(events),
		"turningPoints": turning,
	})
}

// GET /api/v1/investigations/:id/completeness
func (s *Server) handleCompleteness(c *gin.Context) {
	inv, ok := s.lookupRun(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, inv.CheckCompleteness())
}

// POST /api/v1/investigations/:id/headlines
// Registers a headline finding; the completeness gate enforces its
// evidence backing.
func (s *Server) handleAddHeadline(c *gin.Context) {
	inv, ok := s.lookupRun(c)
	if !ok {
		return
	}

	var req gate.Headline
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid headline: " + err.Error()})
		return
	}
	if req.Statement == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "headline requires a statement"})
		return
	}
	inv.AddHeadline(req)
	c.JSON(http.StatusCreated, gin.H{"status": "added"})
}

// POST /api/v1/investigations/:id/unknown
// Marks an evidence domain as explicitly unsearchable for this run.
func (s *Server) handleMarkUnknown(c *gin.Context) {
	inv, ok := s.lookupRun(c)
	if !ok {
		return
	}

	var req struct {
		Domain string `json:"domain" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	d := gate.Domain(req.Domain)
	if !validDomain(d) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown evidence domain: " + req.Domain})
		return
	}
	inv.MarkDomainUnknown(d)
	c.JSON(http.StatusOK, gin.H{"status": "marked", "domain": req.Domain})
}

func (s *Server) lookupRun(c *gin.Context) (*run.Investigation, bool) {
	inv, err := s.runs.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "investigation not found"})
		return nil, false
	}
	return inv, true
}

// checkTransferWatch emits a watchlist alert when a freshly ingested
// transfer touches a watched address.
func (s *Server) checkTransferWatch(runID string, obs models.Observation) []alertHit {
	if obs.Kind != models.KindTransfer || obs.Payload.Transfer == nil {
		return nil
	}
	hits := s.watchlist.CheckTransfer(*obs.Payload.Transfer)
	if len(hits) == 0 {
		return nil
	}
	s.alertMgr.EmitTransfer(runID, *obs.Payload.Transfer, hits)
	out := make([]alertHit, 0, len(hits))
	for _, h := range hits {
		out = append(out, alertHit{Address: h.Address, Label: h.Label, Context: h.Context})
	}
	return out
}

type alertHit struct {
	Address string `json:"address"`
	Label   string `json:"label"`
	Context string `json:"context"`
}

func runRecord(inv *run.Investigation) db.RunRecord {
	return db.RunRecord{
		ID:        inv.ID,
		Chain:     inv.Params.Chain,
		Asset:     inv.Params.Asset,
		Announce:  inv.Params.Announce,
		LPUSD:     inv.Params.LPUSD,
		Mode:      string(inv.Params.Mode),
		StartedAt: inv.Started,
	}
}

func validDomain(d gate.Domain) bool {
	for _, m := range gate.MandatedDomains {
		if m == d {
			return true
		}
	}
	return false
}
