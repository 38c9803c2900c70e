package gmach_test

import (
	"bytes"
	"fmt"

	"github.com/overminder/gmach"
)

// Example assembles the program `3 + 4`, ships it through the wire
// format and evaluates it.
func Example() {
	program := []gmach.ScSource{{Arity: 0, Code: []gmach.Instr{
		{Op: gmach.OpPushInt, Arg: 4},
		{Op: gmach.OpPushInt, Arg: 3},
		{Op: gmach.OpPrimIntAdd},
		{Op: gmach.OpUpdate, Arg: 0},
		{Op: gmach.OpUnwind},
	}}}

	var buf bytes.Buffer
	if err := gmach.EncodeProgram(&buf, program); err != nil {
		panic(err)
	}

	m, err := gmach.Load(&buf, gmach.DefaultConfig(), nil)
	if err != nil {
		panic(err)
	}
	defer m.Close()

	if err := m.Run(); err != nil {
		panic(err)
	}
	v, err := m.Result()
	if err != nil {
		panic(err)
	}
	fmt.Println(v)
	// Output: 7
}
