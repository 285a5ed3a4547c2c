/*
Package runtime loads, instantiates, and executes WebAssembly
components on the embedded wazero engine.

The Engine owns two tables: loaded components (immutable bytes, content
hash, interface descriptor) and live instances. Instantiation derives a
per-instance host context from the granted capability set — stream
capture, filesystem preopens, environment injection, deterministic
clocks and randomness when denied — reserves memory from the shared
pool, arms the fuel budget and epoch deadline, and installs one host
trampoline per resolved import so guest calls through imported
interfaces are capability-checked and routed to the provider instance.

Resource enforcement has three layers:

  - Fuel: a per-instance budget debited per call; exhaustion traps with
    FuelExhausted.
  - Epoch deadline: a background ticker advances the engine epoch
    roughly every 10 ms and traps calls that outlive their deadline.
  - Wall clock: measured around each synchronous call; advisory unless
    epoch interruption is enabled.
*/
package runtime
