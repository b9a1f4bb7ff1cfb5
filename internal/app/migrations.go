package app

import "serotonyl.ru/engagement/internal/db/postgres"

// SQL-миграции встроены в код для упрощения деплоя.
var migrations = []postgres.Migration{
	{Version: 1, SQL: migration001Members},
	{Version: 2, SQL: migration002Events},
	{Version: 3, SQL: migration003TierHistory},
	{Version: 4, SQL: migration004Rewards},
	{Version: 5, SQL: migration005Webhooks},
	{Version: 6, SQL: migration006ProfileChangedAt},
}

var migration001Members = `
CREATE TABLE IF NOT EXISTS member_engagement (
    member_id TEXT PRIMARY KEY,
    display_name TEXT NOT NULL DEFAULT '',
    total_points BIGINT NOT NULL DEFAULT 0 CHECK (total_points >= 0),
    current_tier TEXT NOT NULL,
    tier_entered_at TIMESTAMPTZ NOT NULL,
    last_activity_at TIMESTAMPTZ,
    membership_status TEXT NOT NULL DEFAULT 'active'
        CHECK (membership_status IN ('active', 'cancelled')),
    membership_changed_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_member_engagement_rank
    ON member_engagement (total_points DESC, tier_entered_at ASC, member_id COLLATE "C" ASC)
    WHERE membership_status = 'active';
`

var migration002Events = `
CREATE TABLE IF NOT EXISTS engagement_events (
    event_id TEXT PRIMARY KEY,
    seq BIGSERIAL,
    member_id TEXT NOT NULL REFERENCES member_engagement(member_id),
    activity_kind TEXT NOT NULL,
    requested_points BIGINT NOT NULL,
    points BIGINT NOT NULL,
    status TEXT NOT NULL CHECK (status IN ('scored', 'rate_limited', 'adjustment')),
    metadata JSONB,
    admin_id TEXT,
    reason TEXT,
    previous_total BIGINT,
    new_total BIGINT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_engagement_events_velocity
    ON engagement_events (member_id, activity_kind, created_at);
CREATE INDEX IF NOT EXISTS idx_engagement_events_member
    ON engagement_events (member_id, created_at DESC, seq DESC);
`

var migration003TierHistory = `
CREATE TABLE IF NOT EXISTS tier_history (
    id BIGSERIAL PRIMARY KEY,
    member_id TEXT NOT NULL REFERENCES member_engagement(member_id),
    previous_tier TEXT NOT NULL,
    new_tier TEXT NOT NULL,
    points BIGINT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_tier_history_member ON tier_history (member_id, id DESC);
`

var migration004Rewards = `
CREATE TABLE IF NOT EXISTS reward_configurations (
    id UUID PRIMARY KEY,
    community_id TEXT NOT NULL,
    tier_name TEXT NOT NULL,
    reward_kind TEXT NOT NULL
        CHECK (reward_kind IN ('discount', 'access', 'content', 'support', 'custom')),
    title TEXT NOT NULL,
    active BOOLEAN NOT NULL DEFAULT TRUE,
    payload JSONB,
    one_time_use BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    deleted_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS reward_unlocks (
    member_id TEXT NOT NULL REFERENCES member_engagement(member_id),
    reward_config_id UUID NOT NULL REFERENCES reward_configurations(id),
    unlocked_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    used BOOLEAN NOT NULL DEFAULT FALSE,
    used_at TIMESTAMPTZ,
    use_count INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (member_id, reward_config_id)
);
`

var migration005Webhooks = `
CREATE TABLE IF NOT EXISTS webhook_events (
    delivery_id TEXT PRIMARY KEY,
    event_kind TEXT NOT NULL DEFAULT '',
    payload BYTEA NOT NULL,
    status TEXT NOT NULL CHECK (status IN ('processing', 'succeeded', 'failed')),
    retry_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    result JSONB,
    received_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    processed_at TIMESTAMPTZ,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_webhook_events_retry
    ON webhook_events (status, retry_count, received_at);
`

var migration006ProfileChangedAt = `
ALTER TABLE member_engagement ADD COLUMN IF NOT EXISTS profile_changed_at TIMESTAMPTZ;
`
