// Copyright 2024-2026 Aiku AI

package mention_test

import (
	"fmt"

	"github.com/aiku/parley/pkg/engine/mention"
)

func ExampleScan() {
	for _, m := range mention.Scan("ping @alice and @bob.smith") {
		fmt.Println(m.Value)
	}
	// Output:
	// alice
	// bob.smith
}

func ExampleHas() {
	fmt.Println(mention.Has("lunch, @Alice?", "alice"))
	// Output: true
}
