package journal

var migrations = []struct{ table, column, ddl string }{
	{"fills", "fee_base", `ALTER TABLE fills ADD COLUMN fee_base REAL NOT NULL DEFAULT 0`},
}

// Schema creates every table the ledger store needs. Times are stored as
// fixed-width UTC text (see timeFormat) so range queries compare correctly.
const Schema = `
CREATE TABLE IF NOT EXISTS trades (
	id TEXT PRIMARY KEY,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	state TEXT NOT NULL,
	requested_size REAL NOT NULL,
	size REAL NOT NULL,
	entry_price REAL NOT NULL,
	entry_time TEXT NOT NULL,
	exit_price REAL NOT NULL,
	exit_time TEXT NOT NULL,
	stop_price REAL NOT NULL,
	initial_stop REAL NOT NULL,
	take_profit_price REAL NOT NULL,
	trail_pct REAL NOT NULL,
	realized_pnl REAL NOT NULL,
	fees REAL NOT NULL,
	exit_reason TEXT NOT NULL,
	note TEXT NOT NULL,
	strategy TEXT NOT NULL,
	confidence REAL NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_symbol_state ON trades(symbol, state);
CREATE INDEX IF NOT EXISTS idx_trades_exit_time ON trades(exit_time);

CREATE TABLE IF NOT EXISTS orders (
	id TEXT PRIMARY KEY,
	client_id TEXT NOT NULL UNIQUE,
	exchange_id TEXT NOT NULL,
	trade_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	type TEXT NOT NULL,
	role TEXT NOT NULL,
	quantity REAL NOT NULL,
	price REAL NOT NULL,
	stop_price REAL NOT NULL,
	status TEXT NOT NULL,
	reason TEXT NOT NULL,
	unknown INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_trade ON orders(trade_id);

CREATE TABLE IF NOT EXISTS fills (
	id TEXT PRIMARY KEY,
	exchange_fill_id TEXT NOT NULL,
	order_id TEXT NOT NULL,
	trade_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	quantity REAL NOT NULL,
	price REAL NOT NULL,
	fee REAL NOT NULL,
	fee_base REAL NOT NULL DEFAULT 0,
	time TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fills_order ON fills(order_id);

CREATE TABLE IF NOT EXISTS balances (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	time TEXT NOT NULL,
	equity REAL NOT NULL,
	peak REAL NOT NULL,
	drawdown REAL NOT NULL,
	assets TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_balances_time ON balances(time);

CREATE TABLE IF NOT EXISTS performance (
	day TEXT NOT NULL,
	account TEXT NOT NULL,
	realized_pnl REAL NOT NULL,
	trades INTEGER NOT NULL,
	wins INTEGER NOT NULL,
	losses INTEGER NOT NULL,
	win_rate REAL NOT NULL,
	start_equity REAL NOT NULL,
	end_equity REAL NOT NULL,
	PRIMARY KEY (day, account)
);

CREATE TABLE IF NOT EXISTS breaker (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	equity_peak REAL NOT NULL,
	current_drawdown REAL NOT NULL,
	tripped INTEGER NOT NULL,
	tripped_at TEXT NOT NULL,
	reason TEXT NOT NULL,
	daily_loss_so_far REAL NOT NULL,
	daily_start_equity REAL NOT NULL,
	trading_day TEXT NOT NULL
);
`
