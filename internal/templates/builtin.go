package templates

import "github.com/itstheanurag/playground/internal/workspace"

const helloManifest = `[package]
name = "hello_world"
edition = "2024"

[addresses]
hello_world = "0x0"
`

const helloSource = `module hello_world::hello_world;

use std::string::{Self, String};

public struct Greeting has key, store {
    id: UID,
    text: String,
}

public fun mint(ctx: &mut TxContext): Greeting {
    Greeting { id: object::new(ctx), text: string::utf8(b"Hello, world!") }
}

public fun text(g: &Greeting): &String {
    &g.text
}
`

const counterManifest = `[package]
name = "counter"
edition = "2024"

[addresses]
counter = "0x0"
`

const counterSource = `module counter::counter;

public struct Counter has key {
    id: UID,
    owner: address,
    value: u64,
}

public fun create(ctx: &mut TxContext) {
    transfer::share_object(Counter {
        id: object::new(ctx),
        owner: ctx.sender(),
        value: 0,
    })
}

public fun increment(counter: &mut Counter) {
    counter.value = counter.value + 1;
}

public fun value(counter: &Counter): u64 {
    counter.value
}
`

const counterTest = `#[test_only]
module counter::counter_tests;

use counter::counter;
use sui::test_scenario;

#[test]
fun increments() {
    let owner = @0xA;
    let mut scenario = test_scenario::begin(owner);
    counter::create(scenario.ctx());
    scenario.next_tx(owner);

    let mut c = scenario.take_shared<counter::Counter>();
    counter::increment(&mut c);
    assert!(counter::value(&c) == 1);
    test_scenario::return_shared(c);
    scenario.end();
}
`

func builtins() []Template {
	return []Template{
		{
			Name:        "hello_world",
			Description: "Minimal package with a single owned object",
			Files: workspace.FileSet{
				"Move.toml":                helloManifest,
				"sources/hello_world.move": helloSource,
			},
		},
		{
			Name:        "counter",
			Description: "Shared counter object with a unit test",
			Files: workspace.FileSet{
				"Move.toml":                counterManifest,
				"sources/counter.move":     counterSource,
				"tests/counter_tests.move": counterTest,
			},
		},
	}
}
