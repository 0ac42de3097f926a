// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package interjection splices user input into a running conversation.

A user interjection targets a round boundary: one submitted with
afterRound N is merged before the first turn of any later round. The
Merger keeps a FIFO of unprocessed interjections per conversation,
hydrated from the store on first use, and converts them into
interjection messages in creation order. Each interjection is consumed
once and then marked processed; nothing is deleted.

A missed boundary is not lost: an interjection whose round already
passed is merged at the next turn boundary.
*/
package interjection
