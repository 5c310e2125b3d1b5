package postgresql

// migrations returns the ordered schema migrations for the engine's tables.
func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS workflow_definitions (
				id UUID PRIMARY KEY,
				organization_id VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL,
				trigger_type VARCHAR(32) NOT NULL,
				trigger_key VARCHAR(255),
				trigger_config JSONB NOT NULL DEFAULT '{}',
				steps JSONB NOT NULL DEFAULT '[]',
				retry_policy JSONB NOT NULL DEFAULT '{}',
				completion_callbacks JSONB NOT NULL DEFAULT '[]',
				is_enabled BOOLEAN NOT NULL DEFAULT FALSE,
				last_successful_run_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE UNIQUE INDEX IF NOT EXISTS idx_workflow_definitions_trigger_key
				ON workflow_definitions (organization_id, trigger_key)
				WHERE trigger_key IS NOT NULL;

			CREATE INDEX IF NOT EXISTS idx_workflow_definitions_schedule
				ON workflow_definitions (trigger_type, is_enabled);
		`,
		2: `
			CREATE TABLE IF NOT EXISTS workflow_runs (
				id UUID PRIMARY KEY,
				workflow_id UUID NOT NULL REFERENCES workflow_definitions(id),
				organization_id VARCHAR(255) NOT NULL,
				trigger_source VARCHAR(512) NOT NULL,
				status VARCHAR(32) NOT NULL,
				current_step_index INTEGER NOT NULL DEFAULT 0,
				context JSONB NOT NULL DEFAULT '{}',
				attempt_count INTEGER NOT NULL DEFAULT 0,
				next_retry_at TIMESTAMP WITH TIME ZONE,
				claimed_at TIMESTAMP WITH TIME ZONE,
				history JSONB NOT NULL DEFAULT '[]',
				version INTEGER NOT NULL DEFAULT 0,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				completed_at TIMESTAMP WITH TIME ZONE,
				last_error TEXT,
				callback_error TEXT
			);

			CREATE UNIQUE INDEX IF NOT EXISTS idx_workflow_runs_trigger_source
				ON workflow_runs (workflow_id, trigger_source);

			CREATE INDEX IF NOT EXISTS idx_workflow_runs_due
				ON workflow_runs (status, next_retry_at);
		`,
		3: `
			CREATE TABLE IF NOT EXISTS inbound_events (
				id UUID PRIMARY KEY,
				workflow_id UUID NOT NULL REFERENCES workflow_definitions(id),
				external_event_id VARCHAR(512) NOT NULL,
				payload JSONB NOT NULL DEFAULT '{}',
				headers JSONB NOT NULL DEFAULT '{}',
				verified BOOLEAN NOT NULL DEFAULT FALSE,
				processed BOOLEAN NOT NULL DEFAULT FALSE,
				processed_at TIMESTAMP WITH TIME ZONE,
				error_message TEXT,
				produced_run_id UUID,
				received_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				UNIQUE (workflow_id, external_event_id)
			);
		`,
		4: `
			CREATE TABLE IF NOT EXISTS business_records (
				target_type VARCHAR(64) NOT NULL,
				target_id VARCHAR(255) NOT NULL,
				fields JSONB NOT NULL DEFAULT '{}',
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				PRIMARY KEY (target_type, target_id)
			);
		`,
	}
}
