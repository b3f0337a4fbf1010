/*
Package events delivers status events to in-process subscribers.

Every topology mutation, config change, HC change, task and job transition
produces an event of the form

	{object_type, object_id, event, details}

which the status aggregator, the gRPC event stream and the metrics collector
consume.

# Architecture

	┌────────────── one operation ──────────────┐
	│  store.Update(func(tx) {                   │
	│      mutate ...                            │
	│      batch.Add(EventSetState, ref, ...)    │
	│  })                                        │
	└───────────────┬────────────────────────────┘
	                │ commit succeeded
	                ▼
	          batch.Flush(broker)
	                │
	                ▼
	  Broker.eventCh (buffer 256) → broadcast loop → subscribers (buffer 128 each)

A Batch is the sink passed through an operation. Events never leave a
transaction that rolled back, and a single broadcast goroutine keeps delivery
in publish order, so state transitions of one object reach subscribers in the
order they were committed.

Slow subscribers lose events instead of stalling the control plane: when a
subscriber buffer is full the event is dropped for that subscriber only.

# Event types

	create, delete                 objects created or deleted
	add, remove                    host attached to or detached from a cluster, binds
	update                         maintenance mode and other attribute changes
	change_config                  new ConfigLog became current
	change_hostcomponentmap        HC replaced
	upgrade, prototype_update      bundle_switch / bundle_revert
	set_state                      state or multi_state changed
	task_status, job_status        runner transitions
	add_job_log                    a job log file was created
	concern                        concerns of an object changed
	status                         host or host-component status reported
*/
package events
