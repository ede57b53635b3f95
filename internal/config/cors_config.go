package config

import "strings"

type Cors struct {
	origins AllowedOrigins
	methods string
	headers string
}

var _ CorsConfig = Cors{}

type AllowedOrigins map[string]struct{}
type nullValue = struct{}

func (a AllowedOrigins) IsAllowedOrigin(origin string) bool {
	_, ok := a[origin]
	return ok
}

func (a AllowedOrigins) String() string {
	var origins []string
	for k := range a {
		origins = append(origins, k)
	}
	return strings.Join(origins, ", ")
}

func newCors(section CorsSection) Cors {
	origins := make(AllowedOrigins, len(section.AllowedOrigins))
	for _, o := range section.AllowedOrigins {
		origins[o] = nullValue{}
	}
	return Cors{origins: origins, methods: section.AllowedMethods, headers: section.AllowedHeaders}
}

func (c Cors) GetAllowedOrigins() AllowedOrigins {
	return c.origins
}

func (c Cors) GetAllowedMethods() string {
	return c.methods
}

func (c Cors) GetAllowedHeaders() string {
	return c.headers
}
