package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"receipts/api/internal/auth"
	"receipts/api/internal/config"
	"receipts/api/internal/search"
	"receipts/api/internal/store"
	"receipts/api/internal/util"
)

type Session struct {
	Token     string
	UserID    string
	Handle    string
	Role      string
	JTI       string
	ExpiresAt time.Time
}

type CreateReceiptInput struct {
	ClaimText       string `json:"claimText"`
	ClaimType       string `json:"claimType"`
	ImplicationText string `json:"implicationText"`
	ParentID        string `json:"parentId"`
	Visibility      string `json:"visibility"`
}

type ForkReceiptInput struct {
	ClaimText       string `json:"claimText"`
	ClaimType       string `json:"claimType"`
	ImplicationText string `json:"implicationText"`
}

type AddReactionInput struct {
	Kind string `json:"kind"`
}

var allowedClaimTypes = map[string]struct{}{
	"text":             {},
	"video_transcript": {},
}

var allowedVisibilities = map[string]struct{}{
	"public":   {},
	"unlisted": {},
}

var allowedReactionKinds = map[string]struct{}{
	"support":  {},
	"dispute":  {},
	"bookmark": {},
}

var trendingPeriodHours = map[string]int{
	"hour":  1,
	"day":   24,
	"week":  168,
	"month": 720,
}

const (
	maxClaimTextLength = 1000

	defaultChainDepth = 3
	maxChainDepth     = 10
	// Hop ceiling on the upward root walk. A chain this deep is a
	// data-integrity bug (cyclic parent reference), not a supported shape.
	chainAncestorHopLimit = 50
	chainForkFanout       = 50

	defaultPageLimit = 20
	maxPageLimit     = 100
)

type dataStore interface {
	CreateReceipt(context.Context, store.Receipt) (store.Receipt, error)
	GetReceipt(context.Context, string) (store.Receipt, error)
	ReceiptExists(context.Context, string) (bool, error)
	DeleteReceipt(context.Context, string) (bool, error)
	ListReceiptsByAuthor(context.Context, string, bool, int, int) ([]store.Receipt, error)
	ListPublicReceipts(context.Context, int, int, []string) ([]store.Receipt, error)
	ListForks(context.Context, string, int) ([]store.Receipt, error)
	ListTrendingReceipts(context.Context, time.Time, int) ([]store.Receipt, error)
	IncrementForkCount(context.Context, string) error
	IncrementReactionCount(context.Context, string) error
	DecrementReactionCount(context.Context, string) error
	ReconcileCounts(context.Context) (store.ReconcileStats, error)
	AddReaction(context.Context, store.Reaction) (store.Reaction, bool, error)
	RemoveReaction(context.Context, string, string, string) (bool, error)
	ListReactionCounts(context.Context, string) (store.ReactionCounts, error)
	InsertBlock(context.Context, string, string) (bool, error)
	DeleteBlock(context.Context, string, string) (bool, error)
	SummaryCounts(context.Context) (int, int, int, int, error)
	Ping(ctx context.Context) error
}

// blockDirectory fronts the block rows with a cache; see internal/directory.
type blockDirectory interface {
	BlockedIDs(ctx context.Context, userID string) ([]string, error)
	Invalidate(ctx context.Context, userID string)
	Ping(ctx context.Context) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	directory blockDirectory
	search    *search.Service
}

func New(cfg config.Config, dataStore dataStore, directory blockDirectory, searchService *search.Service) *Service {
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		directory: directory,
		search:    searchService,
	}
}

// SessionFromToken verifies a stateless access token. Tokens are minted by the
// identity service with the shared secret; this API only checks them.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.AuthSecret), token)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    claims.Sub,
		Handle:    claims.Handle,
		Role:      claims.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) CreateReceipt(ctx context.Context, session Session, input CreateReceiptInput) (map[string]any, error) {
	claimText := strings.TrimSpace(input.ClaimText)
	if claimText == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "claimText is required", nil)
	}
	if len(claimText) > maxClaimTextLength {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "claimText exceeds 1000 characters", nil)
	}
	implicationText := strings.TrimSpace(input.ImplicationText)
	if len(implicationText) > maxClaimTextLength {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "implicationText exceeds 1000 characters", nil)
	}

	claimType := strings.TrimSpace(input.ClaimType)
	if claimType == "" {
		claimType = "text"
	}
	if _, ok := allowedClaimTypes[claimType]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid claim type", nil)
	}
	visibility := strings.TrimSpace(input.Visibility)
	if visibility == "" {
		visibility = "public"
	}
	if _, ok := allowedVisibilities[visibility]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid visibility", nil)
	}

	// Parent existence is checked before any write so a bad fork request
	// never leaves a row behind.
	var parentID *string
	if trimmed := strings.TrimSpace(input.ParentID); trimmed != "" {
		exists, err := s.store.ReceiptExists(ctx, trimmed)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, domainError(http.StatusNotFound, "PARENT_NOT_FOUND", "Parent receipt not found", nil)
		}
		parentID = &trimmed
	}

	created, err := s.store.CreateReceipt(ctx, store.Receipt{
		ID:              util.NewID("rcpt"),
		AuthorID:        session.UserID,
		ClaimText:       claimText,
		ClaimType:       claimType,
		ImplicationText: implicationText,
		ParentID:        parentID,
		Visibility:      visibility,
	})
	if err != nil {
		return nil, err
	}

	if parentID != nil {
		if err := s.store.IncrementForkCount(ctx, *parentID); err != nil {
			return nil, err
		}
	}

	s.indexReceipt(created)

	return s.receiptPayload(ctx, created)
}

// ForkReceipt attaches a counter-claim to parentID. Forks are always public;
// the source system's fork input carries no visibility.
func (s *Service) ForkReceipt(ctx context.Context, session Session, parentID string, input ForkReceiptInput) (map[string]any, error) {
	return s.CreateReceipt(ctx, session, CreateReceiptInput{
		ClaimText:       input.ClaimText,
		ClaimType:       input.ClaimType,
		ImplicationText: input.ImplicationText,
		ParentID:        parentID,
	})
}

func (s *Service) GetReceipt(ctx context.Context, receiptID string) (map[string]any, error) {
	receipt, err := s.store.GetReceipt(ctx, receiptID)
	if err != nil {
		return nil, err
	}
	return s.receiptPayload(ctx, receipt)
}

func (s *Service) DeleteReceipt(ctx context.Context, session Session, receiptID string) error {
	receipt, err := s.store.GetReceipt(ctx, receiptID)
	if err != nil {
		return err
	}
	if receipt.AuthorID != session.UserID && session.Role != "moderator" {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Not authorized to delete this receipt", nil)
	}

	// Reactions cascade and direct forks are promoted to roots by the FK
	// actions. The parent's fork_count is left to drift until the next
	// reconciliation pass.
	if _, err := s.store.DeleteReceipt(ctx, receiptID); err != nil {
		return err
	}

	if s.search != nil {
		s.search.DeleteReceipt(receiptID)
	}
	return nil
}

func (s *Service) AddReaction(ctx context.Context, session Session, receiptID string, input AddReactionInput) (map[string]any, error) {
	kind := strings.TrimSpace(input.Kind)
	if _, ok := allowedReactionKinds[kind]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid reaction kind", nil)
	}

	exists, err := s.store.ReceiptExists(ctx, receiptID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, sql.ErrNoRows
	}

	reaction, created, err := s.store.AddReaction(ctx, store.Reaction{
		ID:        util.NewID("reac"),
		ReceiptID: receiptID,
		UserID:    session.UserID,
		Kind:      kind,
	})
	if err != nil {
		return nil, err
	}

	// Repeat adds are idempotent: the existing row comes back and the
	// counter is untouched.
	if created {
		if err := s.store.IncrementReactionCount(ctx, receiptID); err != nil {
			return nil, err
		}
	}

	return reactionPayload(reaction), nil
}

func (s *Service) RemoveReaction(ctx context.Context, session Session, receiptID, kind string) error {
	kind = strings.TrimSpace(kind)
	if _, ok := allowedReactionKinds[kind]; !ok {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid reaction kind", nil)
	}

	removed, err := s.store.RemoveReaction(ctx, receiptID, session.UserID, kind)
	if err != nil {
		return err
	}
	if removed {
		if err := s.store.DecrementReactionCount(ctx, receiptID); err != nil {
			return err
		}
	}
	return nil
}

// GetChain reconstructs the fork tree around receiptID: walk up to the true
// root, then collect descendants level by level.
func (s *Service) GetChain(ctx context.Context, receiptID string, maxDepth int) (map[string]any, error) {
	if maxDepth <= 0 {
		maxDepth = defaultChainDepth
	}
	if maxDepth > maxChainDepth {
		maxDepth = maxChainDepth
	}

	node, err := s.store.GetReceipt(ctx, receiptID)
	if err != nil {
		return nil, err
	}

	// Upward walk. A missing ancestor or an exhausted hop budget means the
	// chain is corrupt; the last node we could load serves as root.
	root := node
	for hops := 0; root.ParentID != nil && hops < chainAncestorHopLimit; hops++ {
		parent, err := s.store.GetReceipt(ctx, *root.ParentID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				break
			}
			return nil, err
		}
		root = parent
	}

	// Downward collection with an explicit work queue; the queue doubles as
	// BFS order so the payload can be assembled children-first afterwards.
	type chainItem struct {
		receipt store.Receipt
		depth   int
	}
	visited := []chainItem{{receipt: root, depth: 0}}
	children := map[string][]store.Receipt{}
	for i := 0; i < len(visited); i++ {
		item := visited[i]
		if item.depth >= maxDepth {
			continue
		}
		forks, err := s.store.ListForks(ctx, item.receipt.ID, chainForkFanout)
		if err != nil {
			return nil, err
		}
		children[item.receipt.ID] = forks
		for _, fork := range forks {
			visited = append(visited, chainItem{receipt: fork, depth: item.depth + 1})
		}
	}

	nodes := map[string]map[string]any{}
	for i := len(visited) - 1; i >= 0; i-- {
		item := visited[i]
		forkNodes := make([]map[string]any, 0, len(children[item.receipt.ID]))
		for _, fork := range children[item.receipt.ID] {
			forkNodes = append(forkNodes, nodes[fork.ID])
		}
		nodes[item.receipt.ID] = chainNodePayload(item.receipt, forkNodes)
	}

	rootPayload, err := s.receiptPayload(ctx, root)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"root":         rootPayload,
		"forks":        nodes[root.ID]["forks"],
		"totalInChain": len(visited),
		"depth":        maxDepth,
	}, nil
}

func (s *Service) GetTrending(ctx context.Context, limit int, period string, windowHours int) (map[string]any, error) {
	limit = clampLimit(limit)

	if windowHours <= 0 {
		if period == "" {
			period = "day"
		}
		hours, ok := trendingPeriodHours[period]
		if !ok {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid trending period", nil)
		}
		windowHours = hours
	}

	since := time.Now().Add(-time.Duration(windowHours) * time.Hour)
	receipts, err := s.store.ListTrendingReceipts(ctx, since, limit)
	if err != nil {
		return nil, err
	}

	chains := make([]map[string]any, 0, len(receipts))
	for _, receipt := range receipts {
		payload, err := s.receiptPayload(ctx, receipt)
		if err != nil {
			return nil, err
		}
		chains = append(chains, map[string]any{
			"rootReceipt":     payload,
			"forkCount":       receipt.ForkCount,
			"engagementScore": receipt.ReactionCount + receipt.ForkCount*2,
		})
	}

	return map[string]any{"chains": chains}, nil
}

func (s *Service) GetFeed(ctx context.Context, viewerID, cursor string, limit int) (map[string]any, error) {
	skip := parseCursor(cursor)
	limit = clampLimit(limit)

	var blocked []string
	if viewerID != "" {
		ids, err := s.directory.BlockedIDs(ctx, viewerID)
		if err != nil {
			return nil, err
		}
		blocked = ids
	}

	receipts, err := s.store.ListPublicReceipts(ctx, skip, limit+1, blocked)
	if err != nil {
		return nil, err
	}

	return s.pagePayload(ctx, receipts, skip, limit)
}

func (s *Service) ListAuthorReceipts(ctx context.Context, authorID, viewerID, cursor string, limit int) (map[string]any, error) {
	skip := parseCursor(cursor)
	limit = clampLimit(limit)

	publicOnly := viewerID != authorID
	receipts, err := s.store.ListReceiptsByAuthor(ctx, authorID, publicOnly, skip, limit+1)
	if err != nil {
		return nil, err
	}

	return s.pagePayload(ctx, receipts, skip, limit)
}

func (s *Service) BlockAuthor(ctx context.Context, session Session, authorID string) (map[string]any, error) {
	if authorID == session.UserID {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "cannot block yourself", nil)
	}

	// Idempotent: re-blocking an already blocked author succeeds.
	if _, err := s.store.InsertBlock(ctx, session.UserID, authorID); err != nil {
		return nil, err
	}
	s.directory.Invalidate(ctx, session.UserID)

	return map[string]any{"ok": true, "blockedId": authorID}, nil
}

func (s *Service) UnblockAuthor(ctx context.Context, session Session, authorID string) error {
	if _, err := s.store.DeleteBlock(ctx, session.UserID, authorID); err != nil {
		return err
	}
	s.directory.Invalidate(ctx, session.UserID)
	return nil
}

// ReconcileAll recomputes both denormalized counters from ground truth.
// Failures surface whole; the pass is idempotent and safe to rerun.
func (s *Service) ReconcileAll(ctx context.Context) (map[string]any, error) {
	stats, err := s.store.ReconcileCounts(ctx)
	if err != nil {
		return nil, domainError(http.StatusInternalServerError, "RECONCILE_FAILED", "Reconciliation failed", nil)
	}
	return map[string]any{
		"reactionRowsFixed": stats.ReactionRows,
		"forkRowsFixed":     stats.ForkRows,
	}, nil
}

func (s *Service) Stats(ctx context.Context) (map[string]any, error) {
	receipts, forks, reactions, blocks, err := s.store.SummaryCounts(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"receipts":  receipts,
		"roots":     receipts - forks,
		"forks":     forks,
		"reactions": reactions,
		"blocks":    blocks,
	}, nil
}

func (s *Service) SearchClaims(ctx context.Context, q string, limit, offset int) (map[string]any, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil)
	}
	limit = clampLimit(limit)
	if offset < 0 {
		offset = 0
	}

	response := search.Response{Results: []search.Result{}, Query: q}
	if s.search != nil {
		response = s.search.Search(search.Query{Text: q, Limit: limit, Offset: offset})
	}

	hasMore := response.Total > offset+len(response.Results)
	var nextCursor any
	if hasMore {
		nextCursor = strconv.Itoa(offset + limit)
	}

	return map[string]any{
		"results": response.Results,
		"query":   response.Query,
		"pagination": map[string]any{
			"nextCursor": nextCursor,
			"hasMore":    hasMore,
		},
	}, nil
}

// OpsToken is the shared secret gating the internal operator endpoints.
func (s *Service) OpsToken() string {
	return s.cfg.OpsToken
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingCache(ctx context.Context) error {
	return s.directory.Ping(ctx)
}

func (s *Service) indexReceipt(receipt store.Receipt) {
	if s.search == nil || receipt.Visibility != "public" {
		return
	}
	s.search.IndexReceipt(search.ReceiptRecord{
		ID:              receipt.ID,
		ClaimText:       receipt.ClaimText,
		ImplicationText: receipt.ImplicationText,
		AuthorID:        receipt.AuthorID,
		ClaimType:       receipt.ClaimType,
		Visibility:      receipt.Visibility,
	})
}

func (s *Service) pagePayload(ctx context.Context, receipts []store.Receipt, skip, limit int) (map[string]any, error) {
	hasMore := len(receipts) > limit
	if hasMore {
		receipts = receipts[:limit]
	}

	items := make([]map[string]any, 0, len(receipts))
	for _, receipt := range receipts {
		payload, err := s.receiptPayload(ctx, receipt)
		if err != nil {
			return nil, err
		}
		items = append(items, payload)
	}

	var nextCursor any
	if hasMore {
		nextCursor = strconv.Itoa(skip + limit)
	}

	return map[string]any{
		"receipts": items,
		"pagination": map[string]any{
			"nextCursor": nextCursor,
			"hasMore":    hasMore,
		},
	}, nil
}

// receiptPayload is the full single-receipt envelope, including the per-kind
// reaction breakdown read from the ledger.
func (s *Service) receiptPayload(ctx context.Context, receipt store.Receipt) (map[string]any, error) {
	counts, err := s.store.ListReactionCounts(ctx, receipt.ID)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"id":              receipt.ID,
		"authorId":        receipt.AuthorID,
		"claimText":       receipt.ClaimText,
		"claimType":       receipt.ClaimType,
		"implicationText": nilIfEmpty(receipt.ImplicationText),
		"parentId":        receipt.ParentID,
		"visibility":      receipt.Visibility,
		"forkCount":       receipt.ForkCount,
		"reactionCount":   receipt.ReactionCount,
		"reactions": map[string]any{
			"support":  counts.Support,
			"dispute":  counts.Dispute,
			"bookmark": counts.Bookmark,
		},
		"createdAt": receipt.CreatedAt,
	}, nil
}

// chainNodePayload is the trimmed envelope for fork-tree nodes. Chain reads
// stay on the denormalized counters instead of per-node ledger queries.
func chainNodePayload(receipt store.Receipt, forks []map[string]any) map[string]any {
	return map[string]any{
		"id":            receipt.ID,
		"parentId":      receipt.ParentID,
		"authorId":      receipt.AuthorID,
		"claimText":     receipt.ClaimText,
		"claimType":     receipt.ClaimType,
		"visibility":    receipt.Visibility,
		"forkCount":     receipt.ForkCount,
		"reactionCount": receipt.ReactionCount,
		"createdAt":     receipt.CreatedAt,
		"forks":         forks,
	}
}

func reactionPayload(reaction store.Reaction) map[string]any {
	return map[string]any{
		"id":        reaction.ID,
		"receiptId": reaction.ReceiptID,
		"userId":    reaction.UserID,
		"kind":      reaction.Kind,
		"createdAt": reaction.CreatedAt,
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultPageLimit
	}
	if limit > maxPageLimit {
		return maxPageLimit
	}
	return limit
}

// parseCursor decodes an offset cursor; anything unparseable restarts from 0.
func parseCursor(cursor string) int {
	if cursor == "" {
		return 0
	}
	skip, err := strconv.Atoi(cursor)
	if err != nil || skip < 0 {
		return 0
	}
	return skip
}

func nilIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
