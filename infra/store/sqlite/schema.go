package sqlite

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    email TEXT NOT NULL DEFAULT '',
    mobile TEXT NOT NULL DEFAULT '',
    role TEXT NOT NULL,
    online INTEGER NOT NULL DEFAULT 0,
    connection_id TEXT,
    lat REAL NOT NULL DEFAULT 0,
    lon REAL NOT NULL DEFAULT 0,
    location_updated_at INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS users_connection ON users(connection_id) WHERE connection_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS orders (
    id TEXT PRIMARY KEY,
    customer_id TEXT NOT NULL,
    status TEXT NOT NULL,
    assignment_id TEXT NOT NULL DEFAULT '',
    assigned_courier_id TEXT NOT NULL DEFAULT '',
    delivery_otp TEXT NOT NULL DEFAULT '',
    body TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS orders_courier ON orders(assigned_courier_id);

CREATE TABLE IF NOT EXISTS assignments (
    id TEXT PRIMARY KEY,
    order_id TEXT NOT NULL,
    status TEXT NOT NULL,
    assigned_to TEXT,
    radius_m REAL NOT NULL DEFAULT 0,
    accepted_at INTEGER,
    completed_at INTEGER,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS assignments_open_order ON assignments(order_id) WHERE status IN ('Broadcasted', 'Assigned');
CREATE UNIQUE INDEX IF NOT EXISTS assignments_active_courier ON assignments(assigned_to) WHERE status = 'Assigned';

CREATE TABLE IF NOT EXISTS assignment_candidates (
    assignment_id TEXT NOT NULL REFERENCES assignments(id),
    courier_id TEXT NOT NULL,
    PRIMARY KEY (assignment_id, courier_id)
);
CREATE INDEX IF NOT EXISTS candidates_courier ON assignment_candidates(courier_id);

CREATE TABLE IF NOT EXISTS assignment_declines (
    assignment_id TEXT NOT NULL REFERENCES assignments(id),
    courier_id TEXT NOT NULL,
    PRIMARY KEY (assignment_id, courier_id)
);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    order_id TEXT NOT NULL,
    sender_id TEXT NOT NULL,
    text TEXT NOT NULL,
    sent_time TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_order ON messages(order_id, created_at);
`
