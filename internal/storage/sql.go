package storage

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS raw_quotes (
        instrument_code  TEXT        NOT NULL,
        source           TEXT        NOT NULL,
        display_name     TEXT        NOT NULL DEFAULT '',
        bid              NUMERIC,
        ask              NUMERIC,
        daily_high       NUMERIC,
        daily_low        NUMERIC,
        source_direction TEXT        NOT NULL DEFAULT '',
        updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
        PRIMARY KEY (instrument_code, source)
    );`,
	`CREATE TABLE IF NOT EXISTS formula_rows (
        instrument_code  TEXT        NOT NULL,
        source           TEXT        NOT NULL,
        display_name     TEXT        NOT NULL DEFAULT '',
        category         TEXT        NOT NULL DEFAULT '',
        bid_source_code  TEXT        NOT NULL,
        bid_source_field TEXT        NOT NULL,
        bid_multiplier   NUMERIC     NOT NULL DEFAULT 1,
        bid_addition     NUMERIC     NOT NULL DEFAULT 0,
        ask_source_code  TEXT        NOT NULL,
        ask_source_field TEXT        NOT NULL,
        ask_multiplier   NUMERIC     NOT NULL DEFAULT 1,
        ask_addition     NUMERIC     NOT NULL DEFAULT 0,
        decimals         INTEGER     NOT NULL DEFAULT 2,
        display_order    INTEGER     NOT NULL DEFAULT 0,
        visible          BOOLEAN     NOT NULL DEFAULT TRUE,
        updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
        PRIMARY KEY (instrument_code, source)
    );`,
	`CREATE TABLE IF NOT EXISTS price_snapshot (
        instrument_code TEXT PRIMARY KEY,
        display_name    TEXT        NOT NULL DEFAULT '',
        category        TEXT        NOT NULL DEFAULT '',
        bid             NUMERIC     NOT NULL,
        ask             NUMERIC     NOT NULL,
        spread          NUMERIC     NOT NULL,
        spread_pct      NUMERIC     NOT NULL,
        direction       TEXT        NOT NULL,
        source          TEXT        NOT NULL,
        decimals        INTEGER     NOT NULL,
        display_order   INTEGER     NOT NULL DEFAULT 0,
        updated_at      TIMESTAMPTZ NOT NULL
    );`,
	`CREATE TABLE IF NOT EXISTS daily_extrema (
        instrument_code   TEXT PRIMARY KEY,
        daily_high_bid    NUMERIC     NOT NULL,
        daily_low_bid     NUMERIC     NOT NULL,
        daily_high_bid_at TIMESTAMPTZ NOT NULL,
        daily_low_bid_at  TIMESTAMPTZ NOT NULL,
        daily_high_ask    NUMERIC     NOT NULL,
        daily_low_ask     NUMERIC     NOT NULL,
        daily_high_ask_at TIMESTAMPTZ NOT NULL,
        daily_low_ask_at  TIMESTAMPTZ NOT NULL,
        last_reset_date   DATE        NOT NULL
    );`,
	`CREATE TABLE IF NOT EXISTS failover_config (
        id                    SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
        active_source         TEXT        NOT NULL,
        auto_fallback_enabled BOOLEAN     NOT NULL,
        stale_after_seconds   INTEGER     NOT NULL,
        manual_override       BOOLEAN     NOT NULL,
        updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
    );`,
	`CREATE TABLE IF NOT EXISTS source_status (
        source             TEXT PRIMARY KEY,
        connected          BOOLEAN     NOT NULL,
        last_success_at    TIMESTAMPTZ,
        last_attempt_at    TIMESTAMPTZ,
        consecutive_errors INTEGER     NOT NULL DEFAULT 0,
        last_error         TEXT
    );`,
	`CREATE TABLE IF NOT EXISTS price_alerts (
        id              UUID PRIMARY KEY,
        subscriber_id   TEXT        NOT NULL,
        device_token    TEXT        NOT NULL DEFAULT '',
        instrument_code TEXT        NOT NULL,
        field           TEXT        NOT NULL,
        comparator      TEXT        NOT NULL,
        target_value    NUMERIC     NOT NULL,
        active          BOOLEAN     NOT NULL DEFAULT TRUE,
        triggered_at    TIMESTAMPTZ,
        created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
    );`,
	`CREATE INDEX IF NOT EXISTS price_alerts_active_idx ON price_alerts (active) WHERE active;`,
	`CREATE INDEX IF NOT EXISTS price_alerts_subscriber_idx ON price_alerts (subscriber_id);`,
	`CREATE TABLE IF NOT EXISTS price_history (
        instrument_code TEXT        NOT NULL,
        recorded_at     TIMESTAMPTZ NOT NULL,
        bid             NUMERIC     NOT NULL,
        ask             NUMERIC     NOT NULL,
        PRIMARY KEY (instrument_code, recorded_at)
    );`,
}

const (
	upsertRawQuoteSQL = `INSERT INTO raw_quotes (
        instrument_code,
        source,
        display_name,
        bid,
        ask,
        daily_high,
        daily_low,
        source_direction,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (instrument_code, source) DO UPDATE
    SET
        display_name     = EXCLUDED.display_name,
        bid              = COALESCE(EXCLUDED.bid, raw_quotes.bid),
        ask              = COALESCE(EXCLUDED.ask, raw_quotes.ask),
        daily_high       = COALESCE(EXCLUDED.daily_high, raw_quotes.daily_high),
        daily_low        = COALESCE(EXCLUDED.daily_low, raw_quotes.daily_low),
        source_direction = EXCLUDED.source_direction,
        updated_at       = EXCLUDED.updated_at;`

	listRawQuotesSQL = `SELECT
        instrument_code,
        source,
        display_name,
        bid::text,
        ask::text,
        daily_high::text,
        daily_low::text,
        source_direction,
        updated_at
    FROM raw_quotes
    WHERE source = $1
    ORDER BY instrument_code;`

	upsertFormulaSQL = `INSERT INTO formula_rows (
        instrument_code,
        source,
        display_name,
        category,
        bid_source_code,
        bid_source_field,
        bid_multiplier,
        bid_addition,
        ask_source_code,
        ask_source_field,
        ask_multiplier,
        ask_addition,
        decimals,
        display_order,
        visible,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
    )
    ON CONFLICT (instrument_code, source) DO UPDATE
    SET
        display_name     = EXCLUDED.display_name,
        category         = EXCLUDED.category,
        bid_source_code  = EXCLUDED.bid_source_code,
        bid_source_field = EXCLUDED.bid_source_field,
        bid_multiplier   = EXCLUDED.bid_multiplier,
        bid_addition     = EXCLUDED.bid_addition,
        ask_source_code  = EXCLUDED.ask_source_code,
        ask_source_field = EXCLUDED.ask_source_field,
        ask_multiplier   = EXCLUDED.ask_multiplier,
        ask_addition     = EXCLUDED.ask_addition,
        decimals         = EXCLUDED.decimals,
        display_order    = EXCLUDED.display_order,
        visible          = EXCLUDED.visible,
        updated_at       = EXCLUDED.updated_at;`

	deleteFormulaSQL = `DELETE FROM formula_rows WHERE instrument_code = $1 AND source = $2;`

	listFormulasSQL = `SELECT
        instrument_code,
        source,
        display_name,
        category,
        bid_source_code,
        bid_source_field,
        bid_multiplier::text,
        bid_addition::text,
        ask_source_code,
        ask_source_field,
        ask_multiplier::text,
        ask_addition::text,
        decimals,
        display_order,
        visible,
        updated_at
    FROM formula_rows
    ORDER BY source, display_order, instrument_code;`

	upsertSnapshotSQL = `INSERT INTO price_snapshot (
        instrument_code,
        display_name,
        category,
        bid,
        ask,
        spread,
        spread_pct,
        direction,
        source,
        decimals,
        display_order,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
    )
    ON CONFLICT (instrument_code) DO UPDATE
    SET
        display_name  = EXCLUDED.display_name,
        category      = EXCLUDED.category,
        bid           = EXCLUDED.bid,
        ask           = EXCLUDED.ask,
        spread        = EXCLUDED.spread,
        spread_pct    = EXCLUDED.spread_pct,
        direction     = EXCLUDED.direction,
        source        = EXCLUDED.source,
        decimals      = EXCLUDED.decimals,
        display_order = EXCLUDED.display_order,
        updated_at    = EXCLUDED.updated_at;`

	pruneSnapshotSQL = `DELETE FROM price_snapshot WHERE NOT (instrument_code = ANY($1));`

	loadSnapshotSQL = `SELECT
        instrument_code,
        display_name,
        category,
        bid::text,
        ask::text,
        spread::text,
        spread_pct::text,
        direction,
        source,
        decimals,
        display_order,
        updated_at
    FROM price_snapshot
    ORDER BY display_order, instrument_code;`

	upsertExtremaSQL = `INSERT INTO daily_extrema (
        instrument_code,
        daily_high_bid,
        daily_low_bid,
        daily_high_bid_at,
        daily_low_bid_at,
        daily_high_ask,
        daily_low_ask,
        daily_high_ask_at,
        daily_low_ask_at,
        last_reset_date
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10::date
    )
    ON CONFLICT (instrument_code) DO UPDATE
    SET
        daily_high_bid    = EXCLUDED.daily_high_bid,
        daily_low_bid     = EXCLUDED.daily_low_bid,
        daily_high_bid_at = EXCLUDED.daily_high_bid_at,
        daily_low_bid_at  = EXCLUDED.daily_low_bid_at,
        daily_high_ask    = EXCLUDED.daily_high_ask,
        daily_low_ask     = EXCLUDED.daily_low_ask,
        daily_high_ask_at = EXCLUDED.daily_high_ask_at,
        daily_low_ask_at  = EXCLUDED.daily_low_ask_at,
        last_reset_date   = EXCLUDED.last_reset_date;`

	listExtremaSQL = `SELECT
        instrument_code,
        daily_high_bid::text,
        daily_low_bid::text,
        daily_high_bid_at,
        daily_low_bid_at,
        daily_high_ask::text,
        daily_low_ask::text,
        daily_high_ask_at,
        daily_low_ask_at,
        last_reset_date::text
    FROM daily_extrema
    ORDER BY instrument_code;`

	loadFailoverSQL = `SELECT
        active_source,
        auto_fallback_enabled,
        stale_after_seconds,
        manual_override,
        updated_at
    FROM failover_config
    WHERE id = 1;`

	saveFailoverSQL = `INSERT INTO failover_config (
        id,
        active_source,
        auto_fallback_enabled,
        stale_after_seconds,
        manual_override,
        updated_at
    ) VALUES (
        1,$1,$2,$3,$4,$5
    )
    ON CONFLICT (id) DO UPDATE
    SET
        active_source         = EXCLUDED.active_source,
        auto_fallback_enabled = EXCLUDED.auto_fallback_enabled,
        stale_after_seconds   = EXCLUDED.stale_after_seconds,
        manual_override       = EXCLUDED.manual_override,
        updated_at            = EXCLUDED.updated_at;`

	saveSourceStatusSQL = `INSERT INTO source_status (
        source,
        connected,
        last_success_at,
        last_attempt_at,
        consecutive_errors,
        last_error
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (source) DO UPDATE
    SET
        connected          = EXCLUDED.connected,
        last_success_at    = EXCLUDED.last_success_at,
        last_attempt_at    = EXCLUDED.last_attempt_at,
        consecutive_errors = EXCLUDED.consecutive_errors,
        last_error         = EXCLUDED.last_error;`

	listSourceStatusSQL = `SELECT
        source,
        connected,
        last_success_at,
        last_attempt_at,
        consecutive_errors,
        last_error
    FROM source_status
    ORDER BY source;`

	insertAlertSQL = `INSERT INTO price_alerts (
        id,
        subscriber_id,
        device_token,
        instrument_code,
        field,
        comparator,
        target_value,
        active,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,TRUE,$8
    );`

	alertColumns = `
        id,
        subscriber_id,
        device_token,
        instrument_code,
        field,
        comparator,
        target_value::text,
        active,
        triggered_at,
        created_at`

	listActiveAlertsSQL = `SELECT` + alertColumns + `
    FROM price_alerts
    WHERE active
    ORDER BY created_at;`

	listAlertsBySubscriberSQL = `SELECT` + alertColumns + `
    FROM price_alerts
    WHERE subscriber_id = $1
    ORDER BY created_at DESC;`

	markAlertTriggeredSQL = `UPDATE price_alerts
    SET active = FALSE, triggered_at = $2
    WHERE id = $1 AND active;`

	reactivateAlertSQL = `UPDATE price_alerts
    SET active = TRUE, triggered_at = NULL
    WHERE id = $1;`

	appendHistorySQL = `INSERT INTO price_history (
        instrument_code,
        recorded_at,
        bid,
        ask
    ) VALUES (
        $1,$2,$3,$4
    )
    ON CONFLICT (instrument_code, recorded_at) DO NOTHING;`

	listHistorySQL = `SELECT
        instrument_code,
        recorded_at,
        bid::text,
        ask::text
    FROM price_history
    WHERE instrument_code = $1
      AND recorded_at >= $2
      AND recorded_at < $3
    ORDER BY recorded_at;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)
