/*
Package types defines the state model reconciled by the supervisor: the
declared target application state, the current state observed from the
container runtime, and the composition steps that move one toward the
other.

# Shape

An Application owns Services, Networks and Volumes. A Service is keyed
by (AppID, Name) and uniquely by ImageID within its release; it carries
a volatile overlay that biases the planner without mutating the stored
target. Images, Networks and Volumes are compared structurally.

	Application
	├── Services  (AppID, Name) unique, ImageID unique per release
	├── Networks  (AppID, Name)
	└── Volumes   (AppID, Name)

Target entities are written only through the State Store's target
write-lock; current entities are a cache of what the Runtime Adapter
last reported.
*/
package types
