package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Create runs table
			CREATE TABLE runs (
				id VARCHAR(128) PRIMARY KEY,
				status VARCHAR(32) NOT NULL CHECK (status IN ('queued', 'running', 'completed', 'failed', 'cancelled')),
				prompt TEXT NOT NULL,
				model VARCHAR(255) NOT NULL,
				data JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_runs_status ON runs(status);
			CREATE INDEX idx_runs_created_at ON runs(created_at);
		`,
		2: `
			-- Terminal timestamp for retention queries
			ALTER TABLE runs ADD COLUMN completed_at TIMESTAMP WITH TIME ZONE;

			CREATE INDEX idx_runs_completed_at ON runs(completed_at);
		`,
	}
}
