package persistence

import "binance-signal-bot-go/internal/models"

// Store is the engine's persistence boundary. Bot records are keyed by
// bot id and mutated read-modify-write; trades and indicator logs are
// append-only.
type Store interface {
	// SaveBot writes the full record for a bot.
	SaveBot(rec *models.BotRecord) error

	// GetBot loads a bot record. Returns (nil, nil) when the id is
	// unknown.
	GetBot(id string) (*models.BotRecord, error)

	// ListBots returns every bot record.
	ListBots() ([]models.BotRecord, error)

	// UpdateBot atomically applies mutate to the stored record. The
	// record must exist.
	UpdateBot(id string, mutate func(rec *models.BotRecord) error) error

	// AppendTrade adds one trade to the bot's append-only trade log.
	AppendTrade(trade *models.Trade) error

	// ListTrades returns up to limit of the bot's most recent trades,
	// newest first. limit <= 0 means all.
	ListTrades(botID string, limit int) ([]models.Trade, error)

	// AppendIndicatorLog adds one observability entry.
	AppendIndicatorLog(entry *models.IndicatorLog) error

	// ListIndicatorLogs returns up to limit of the bot's most recent
	// indicator entries, newest first. limit <= 0 means all.
	ListIndicatorLogs(botID string, limit int) ([]models.IndicatorLog, error)

	// Close releases the underlying database.
	Close() error
}
