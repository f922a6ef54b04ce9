package tunnel

import (
	"fmt"
	"math/rand/v2"
)

var adjectives = []string{
	"brave", "calm", "clever", "eager", "fancy", "gentle", "happy", "jolly",
	"kind", "lively", "merry", "noble", "proud", "quiet", "swift", "witty",
}

var animals = []string{
	"badger", "beaver", "falcon", "ferret", "heron", "lynx", "marmot", "otter",
	"panda", "raven", "salmon", "seal", "sparrow", "tiger", "walrus", "wombat",
}

// RandomSubdomain returns a memorable tunnel subdomain like "brave-otter-42".
func RandomSubdomain() string {
	return fmt.Sprintf("%s-%s-%d",
		adjectives[rand.IntN(len(adjectives))],
		animals[rand.IntN(len(animals))],
		rand.IntN(100),
	)
}
