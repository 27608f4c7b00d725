package database

// Per-repository metadata schema. Foreign keys are enforced at connection
// time; ON DELETE CASCADE on file rows is a backstop only - deletion code
// walks the tree explicitly so block refcounts are released.
const schema = `
-- Virtual file structure (encrypted metadata)
CREATE TABLE IF NOT EXISTS files (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    parent_id INTEGER REFERENCES files(id) ON DELETE CASCADE,
    name_ciphertext BLOB NOT NULL,
    name_nonce BLOB NOT NULL,
    is_directory INTEGER NOT NULL DEFAULT 0,
    logical_size INTEGER NOT NULL DEFAULT 0,
    comment_ciphertext BLOB,
    comment_nonce BLOB,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

-- Block storage with deduplication
CREATE TABLE IF NOT EXISTS blocks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    content_hash TEXT NOT NULL UNIQUE,
    relative_path TEXT NOT NULL,
    stored_size INTEGER NOT NULL,
    salt BLOB NOT NULL,
    nonce BLOB NOT NULL,
    refcount INTEGER NOT NULL DEFAULT 1
);

-- File-to-block mapping
CREATE TABLE IF NOT EXISTS file_blocks (
    file_id INTEGER NOT NULL REFERENCES files(id) ON DELETE CASCADE,
    block_id INTEGER NOT NULL REFERENCES blocks(id),
    order_index INTEGER NOT NULL,
    PRIMARY KEY (file_id, order_index)
);

-- Operations journal for crash recovery and resumable tasks
CREATE TABLE IF NOT EXISTS operations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL,              -- 'import', 'export'
    status TEXT NOT NULL,            -- 'pending', 'processing', 'cancelling', 'completed', 'failed'
    sources TEXT NOT NULL,           -- JSON list of host paths or virtual file ids
    destination TEXT,                -- JSON host dir (export) or parent dir id (import)
    total_bytes INTEGER NOT NULL DEFAULT 0,
    processed_bytes INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_files_parent ON files(parent_id);
CREATE INDEX IF NOT EXISTS idx_blocks_hash ON blocks(content_hash);
CREATE INDEX IF NOT EXISTS idx_file_blocks_file ON file_blocks(file_id);
`
