package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const banlistPageSize = 5

// Result is the outcome of an operation whose failure is an expected case
// (already banned, not banned) rather than a fault.
type Result struct {
	Success bool
	Message string
}

type Blacklist struct {
	store BlacklistStore
	clock Clock
}

func newBlacklist(store BlacklistStore, clock Clock) *Blacklist {
	return &Blacklist{store: store, clock: clock}
}

func (bl *Blacklist) IsBlacklisted(ctx context.Context, userID int64) (bool, error) {
	_, err := bl.store.GetBlacklistEntry(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Add bans userID. A second ban of the same user fails without touching the existing entry.
func (bl *Blacklist) Add(ctx context.Context, userID int64, nickname, remark string) (Result, error) {
	entry := &BlacklistEntry{
		UserID:    userID,
		Nickname:  nickname,
		Remark:    remark,
		CreatedAt: bl.clock.Now(),
	}
	err := bl.store.AddBlacklistEntry(ctx, entry)
	if errors.Is(err, ErrAlreadyBlacklisted) {
		return Result{Message: fmt.Sprintf("User %d is already in the blacklist.", userID)}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("failed to blacklist user %d: %w", userID, err)
	}
	InfoLogger.Printf("Blacklisted user %d (%s): %s", userID, nickname, remark)
	return Result{Success: true, Message: fmt.Sprintf("User %d has been added to the blacklist.", userID)}, nil
}

func (bl *Blacklist) Remove(ctx context.Context, userID int64) (Result, error) {
	err := bl.store.RemoveBlacklistEntry(ctx, userID)
	if errors.Is(err, ErrNotBlacklisted) {
		return Result{Message: fmt.Sprintf("User %d is not in the blacklist.", userID)}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("failed to unban user %d: %w", userID, err)
	}
	InfoLogger.Printf("Removed user %d from the blacklist", userID)
	return Result{Success: true, Message: fmt.Sprintf("User %d has been removed from the blacklist.", userID)}, nil
}

func (bl *Blacklist) List(ctx context.Context) ([]BlacklistEntry, error) {
	return bl.store.ListBlacklist(ctx)
}

// SearchResult always succeeds for a well-formed keyword, even with no matches.
type SearchResult struct {
	Success bool
	Message string
	Entries []BlacklistEntry
}

// Search matches an exact user id, or a case-insensitive substring of the
// nickname or remark.
func (bl *Blacklist) Search(ctx context.Context, keyword string) (SearchResult, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return SearchResult{Message: "Please provide a keyword to search for."}, nil
	}
	entries, err := bl.store.ListBlacklist(ctx)
	if err != nil {
		return SearchResult{}, err
	}
	return SearchResult{Success: true, Entries: filterBlacklist(entries, keyword)}, nil
}

func filterBlacklist(entries []BlacklistEntry, keyword string) []BlacklistEntry {
	id, idErr := strconv.ParseInt(keyword, 10, 64)
	needle := strings.ToLower(keyword)

	var matches []BlacklistEntry
	for _, e := range entries {
		switch {
		case idErr == nil && e.UserID == id:
		case strings.Contains(strings.ToLower(e.Nickname), needle):
		case strings.Contains(strings.ToLower(e.Remark), needle):
		default:
			continue
		}
		matches = append(matches, e)
	}
	return matches
}

// BanPage is one page of the blacklist. Page is 1-based.
type BanPage struct {
	Entries    []BlacklistEntry
	Page       int
	TotalPages int
	Total      int
}

func (p BanPage) HasPrev() bool { return p.Page > 1 }
func (p BanPage) HasNext() bool { return p.Page < p.TotalPages }

// paginate clamps page into [1, TotalPages].
func paginate(entries []BlacklistEntry, page, size int) BanPage {
	if size <= 0 {
		size = banlistPageSize
	}
	total := len(entries)
	pages := (total + size - 1) / size
	if pages == 0 {
		pages = 1
	}
	if page < 1 {
		page = 1
	}
	if page > pages {
		page = pages
	}
	start := (page - 1) * size
	end := min(start+size, total)
	return BanPage{
		Entries:    entries[start:end],
		Page:       page,
		TotalPages: pages,
		Total:      total,
	}
}
