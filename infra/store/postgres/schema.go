package postgres

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    email TEXT NOT NULL DEFAULT '',
    mobile TEXT NOT NULL DEFAULT '',
    role TEXT NOT NULL,
    online BOOLEAN NOT NULL DEFAULT FALSE,
    connection_id TEXT UNIQUE,
    lat DOUBLE PRECISION NOT NULL DEFAULT 0,
    lon DOUBLE PRECISION NOT NULL DEFAULT 0,
    location_updated_at TIMESTAMPTZ,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS orders (
    id TEXT PRIMARY KEY,
    customer_id TEXT NOT NULL,
    status TEXT NOT NULL,
    assignment_id TEXT NOT NULL DEFAULT '',
    assigned_courier_id TEXT NOT NULL DEFAULT '',
    delivery_otp TEXT NOT NULL DEFAULT '',
    body JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS orders_courier ON orders(assigned_courier_id);
CREATE INDEX IF NOT EXISTS orders_customer ON orders(customer_id);

CREATE TABLE IF NOT EXISTS assignments (
    id TEXT PRIMARY KEY,
    order_id TEXT NOT NULL,
    status TEXT NOT NULL,
    broadcast_to TEXT[] NOT NULL DEFAULT '{}',
    declined_by TEXT[] NOT NULL DEFAULT '{}',
    assigned_to TEXT,
    radius_m DOUBLE PRECISION NOT NULL DEFAULT 0,
    accepted_at TIMESTAMPTZ,
    completed_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
ALTER TABLE assignments ADD COLUMN IF NOT EXISTS declined_by TEXT[] NOT NULL DEFAULT '{}';
CREATE UNIQUE INDEX IF NOT EXISTS assignments_open_order ON assignments(order_id) WHERE status IN ('Broadcasted', 'Assigned');
CREATE UNIQUE INDEX IF NOT EXISTS assignments_active_courier ON assignments(assigned_to) WHERE status = 'Assigned';
CREATE INDEX IF NOT EXISTS assignments_candidates ON assignments USING GIN (broadcast_to);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    order_id TEXT NOT NULL,
    sender_id TEXT NOT NULL,
    text TEXT NOT NULL,
    sent_time TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_order ON messages(order_id, created_at);
`
