// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package store_test

import (
	"fmt"

	"github.com/NixOS/nix-sub009/store"
)

func ExampleOutputReference_String() {
	ref := store.OutputReference{
		DrvPath:    "/zb/store/ib3sh3pcz10wsmavxvkdbayhqivbghlq-hello-2.12.1.drv",
		OutputName: "out",
	}
	fmt.Println(ref)
	// Output:
	// /zb/store/ib3sh3pcz10wsmavxvkdbayhqivbghlq-hello-2.12.1.drv!out
}
