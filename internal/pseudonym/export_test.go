package pseudonym

import "io"

func newRegistryWithReader(r io.Reader) *Registry {
	return &Registry{byPse: make(map[string]int), rand: r}
}
