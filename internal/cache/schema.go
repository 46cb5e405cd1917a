package cache

const SchemaVersion = 1

const schemaSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY
);

-- Last successful result per tool call
CREATE TABLE IF NOT EXISTS results (
    key TEXT PRIMARY KEY,
    tool TEXT NOT NULL,
    result BLOB NOT NULL,
    stored_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_results_tool ON results(tool);
CREATE INDEX IF NOT EXISTS idx_results_stored_at ON results(stored_at);
`
