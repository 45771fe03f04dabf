// Package harness runs canary scenarios against a fake storage network.
//
// A scenario names a profile, an optional checkpoint, the faults to inject
// into the fake chain and backend, and assertions on what the run did. The
// harness executes the real probe pipeline under the run supervisor, so a
// scenario exercises stage ordering, retries, cleanup and reporting exactly
// as production does. Only the network is fake.
//
// # Scenario Format
//
//	name: upload_rejected
//	description: "A rejected upload fails the run and cleans up"
//	profile: light
//	items: 1
//	target: full
//	faults:
//	  health: { indexer: degraded }
//	  upload: { status: 400, message: rejected }
//	  chain:
//	    - call: fileSystem.deleteFile
//	      reasons: ["file is not owned by caller"]
//	assertions:
//	  - type: stage_status
//	    stage: upload
//	    status: failed
//	    error_contains: rejected
//	  - type: cleanup_status
//	    step: delete-bucket
//	    status: done
//	  - type: chain_order
//	    calls: [fileSystem.createBucket, fileSystem.deleteBucket]
//	  - type: chain_count
//	    call: fileSystem.deleteFile
//	    count: 1
//	  - type: exit_code
//	    code: 1
//
// # Deterministic Testing
//
// Every scenario runs with a fake clock, so retry backoff and paced conflict
// schedules cost nothing, and with a seeded random source, so payloads and
// file keys are identical across runs. The resulting trace is stable enough
// for golden file comparison.
package harness
