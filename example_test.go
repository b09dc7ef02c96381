package modectrl_test

import (
	"fmt"

	"github.com/deepteams/modectrl"
)

func ExampleOptionsForPreset() {
	opts := modectrl.OptionsForPreset(modectrl.PresetFast)
	opts.NumSplitThreads = 4
	if err := opts.Validate(); err != nil {
		fmt.Println(err)
		return
	}
	c, err := modectrl.New(opts)
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(opts.Preset, c.Config().NumSplitThreads)
	// Output: fast 4
}

func ExampleOptions_Validate() {
	opts := modectrl.DefaultOptions()
	opts.MaxDeltaQP = 9
	fmt.Println(opts.Validate())
	// Output: modectrl: invalid MaxDeltaQP 9 (must be 0-7)
}
