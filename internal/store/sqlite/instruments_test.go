package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"mdplane-v1/internal/model"
)

func seedMaster(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "master.db")

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open seed db: %v", err)
	}
	defer db.Close()

	_, err = db.Exec(`
		CREATE TABLE instruments (
			segment        INTEGER NOT NULL,
			token          INTEGER NOT NULL,
			trading_symbol TEXT NOT NULL,
			name           TEXT NOT NULL DEFAULT '',
			series         TEXT NOT NULL DEFAULT '',
			lot_size       INTEGER NOT NULL DEFAULT 1,
			tick_size      REAL NOT NULL DEFAULT 0.05,
			expiry         TEXT,
			is_index       INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (segment, token)
		)
	`)
	if err != nil {
		t.Fatalf("create schema: %v", err)
	}

	rows := []struct {
		seg     model.Segment
		token   uint32
		symbol  string
		name    string
		series  string
		lot     int
		expiry  any
		isIndex int
	}{
		{model.NSECM, 2885, "RELIANCE-EQ", "RELIANCE INDUSTRIES", "EQ", 1, nil, 0},
		{model.NSECM, 26000, "NIFTY 50", "NIFTY 50", "IDX", 1, nil, 1},
		{model.NSECM, 26009, "NIFTY BANK", "NIFTY BANK", "IDX", 1, nil, 1},
		{model.NSEFO, 53001, "NIFTY26AUGFUT", "NIFTY", "FUT", 75, "2026-08-27", 0},
		{model.BSECM, 1, "SENSEX", "SENSEX", "IDX", 1, nil, 1},
	}
	for _, r := range rows {
		_, err := db.Exec(`
			INSERT INTO instruments (segment, token, trading_symbol, name, series, lot_size, tick_size, expiry, is_index)
			VALUES (?, ?, ?, ?, ?, ?, 0.05, ?, ?)
		`, int32(r.seg), r.token, r.symbol, r.name, r.series, r.lot, r.expiry, r.isIndex)
		if err != nil {
			t.Fatalf("insert %s: %v", r.symbol, err)
		}
	}
	return path
}

func TestLookup(t *testing.T) {
	m, err := Open(seedMaster(t))
	if err != nil {
		t.Fatalf("open master: %v", err)
	}
	defer m.Close()

	inst, err := m.Lookup(context.Background(), model.MakeKey(model.NSEFO, 53001))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if inst.TradingSymbol != "NIFTY26AUGFUT" || inst.LotSize != 75 {
		t.Fatalf("unexpected row: %+v", inst)
	}
	if inst.Expiry != "2026-08-27" {
		t.Fatalf("expiry = %q, want 2026-08-27", inst.Expiry)
	}
	if inst.IsIndex {
		t.Fatal("future flagged as index")
	}
}

func TestLookupMissing(t *testing.T) {
	m, err := Open(seedMaster(t))
	if err != nil {
		t.Fatalf("open master: %v", err)
	}
	defer m.Close()

	_, err = m.Lookup(context.Background(), model.MakeKey(model.NSECM, 999999))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestIndexTokens(t *testing.T) {
	m, err := Open(seedMaster(t))
	if err != nil {
		t.Fatalf("open master: %v", err)
	}
	defer m.Close()

	tokens, err := m.IndexTokens(context.Background(), model.NSECM)
	if err != nil {
		t.Fatalf("index tokens: %v", err)
	}
	want := []uint32{26000, 26009}
	if len(tokens) != len(want) {
		t.Fatalf("tokens = %v, want %v", tokens, want)
	}
	for i := range want {
		if tokens[i] != want[i] {
			t.Fatalf("tokens[%d] = %d, want %d", i, tokens[i], want[i])
		}
	}

	bse, err := m.IndexTokens(context.Background(), model.BSECM)
	if err != nil {
		t.Fatalf("bse index tokens: %v", err)
	}
	if len(bse) != 1 || bse[0] != 1 {
		t.Fatalf("bse tokens = %v, want [1]", bse)
	}
}

func TestSymbolFor(t *testing.T) {
	m, err := Open(seedMaster(t))
	if err != nil {
		t.Fatalf("open master: %v", err)
	}
	defer m.Close()

	if got := m.SymbolFor(context.Background(), model.MakeKey(model.NSECM, 2885)); got != "RELIANCE-EQ" {
		t.Fatalf("symbol = %q", got)
	}
	// Unknown keys fall back to the numeric form.
	if got := m.SymbolFor(context.Background(), model.MakeKey(model.MCXFO, 42)); got != "MCXFO:42" {
		t.Fatalf("fallback symbol = %q", got)
	}
}

func TestOpenRejectsMissingSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open seed db: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE unrelated (x INTEGER)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	db.Close()

	if _, err := Open(path); err == nil {
		t.Fatal("expected an error for a database without the instruments table")
	}
}
