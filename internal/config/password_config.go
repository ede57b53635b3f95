package config

type PasswordConfig interface {
	GetArgon2MemoryKiB() uint32
	GetArgon2Iterations() uint32
	GetArgon2Parallelism() uint8
}

type Password struct {
	section PasswordSection
}

var _ PasswordConfig = Password{}

func (p Password) GetArgon2MemoryKiB() uint32 {
	return p.section.MemoryKiB
}

func (p Password) GetArgon2Iterations() uint32 {
	return p.section.Iterations
}

func (p Password) GetArgon2Parallelism() uint8 {
	return p.section.Parallelism
}
