// Package engine runs quilt against the targets of a configuration.
//
// # Runs
//
// A run converges one target. It proceeds through fixed phases and stops
// at the first error:
//
//  1. connect  - dial the target (temporary failures are retried)
//  2. facts    - query OS facts and expose them under "facts"
//  3. evaluate - execute the quiltfile into a fresh Env
//  4. clean    - validate and normalise every declared resource
//  5. policy   - evaluate Rego policies against effective attributes
//  6. ensure   - converge resources in declaration order (or remove them
//     in reverse order)
//
// Every run gets its own Env, cloned defaults store and registry, so
// targets never share mutable state. Up to Parallelism targets run at
// once; the first failure cancels the others.
//
// # Reports
//
// Apply returns one Report per target with the run id, status, the
// changes made (or simulated in dry-run) and the policy findings. Failures
// are wrapped in a PhaseError naming the phase; convergence errors keep
// their resource.Error classification underneath.
package engine
