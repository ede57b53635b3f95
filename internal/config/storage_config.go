package config

type StorageConfig interface {
	GetDatabaseDriver() string
	GetDatabaseDSN() string
	GetRevocationBackend() string
	GetRedisAddr() string
	GetRedisPassword() string
	GetRedisDB() int
}

type EventsConfig interface {
	GetAMQPURL() string
	GetAMQPQueue() string
}

type Storage struct {
	section StorageSection
}

var _ StorageConfig = Storage{}

func (s Storage) GetDatabaseDriver() string {
	return s.section.Driver
}

func (s Storage) GetDatabaseDSN() string {
	return s.section.DSN
}

func (s Storage) GetRevocationBackend() string {
	return s.section.Revocation
}

func (s Storage) GetRedisAddr() string {
	return s.section.RedisAddr
}

func (s Storage) GetRedisPassword() string {
	return s.section.RedisPassword
}

func (s Storage) GetRedisDB() int {
	return s.section.RedisDB
}

type Events struct {
	section EventsSection
}

var _ EventsConfig = Events{}

// GetAMQPURL returns the broker URL. Empty disables AMQP publishing.
func (e Events) GetAMQPURL() string {
	return e.section.AMQPURL
}

func (e Events) GetAMQPQueue() string {
	return e.section.Queue
}
