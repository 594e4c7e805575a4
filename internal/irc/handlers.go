package irc

// This file contains documentation for the IRC event handlers.
// The actual handler implementations are split across:
// - client.go: Connection lifecycle, WHOIS, channel relay, nick recovery
// - commands.go: Bot command implementations

/*
Handler Summary:

Connection Events:
- 376/422 (onConnect): End of MOTD / MOTD missing - bot is connected
  - Identifies to NickServ
  - OPERs up
  - Joins the relay channel of every game server

Messages:
- PRIVMSG (onPrivMsg):
  - Channel messages are said on the game servers relayed to that channel
  - Private messages from a known IRC operator go to the command handler
  - Other private messages start a WHOIS check

WHOIS Responses:
- 313 (onWhoisOper): RPL_WHOISOPERATOR - User is an IRC operator
  - Caches oper status by hostmask
  - Processes pending command
- 318 (onWhoisEnd): RPL_ENDOFWHOIS - End of WHOIS response
  - Cleans up pending check
  - Logs non-oper access attempts

Nick Handling:
- 432 (onNickHeld): switches to the alternate nick, RELEASE via NickServ
- 433 (onNickInUse): switches to the alternate nick, GHOST via NickServ

Game Events:
- Relay (relay.Sink): posts join/part/chat/vote/map events to the
  channel configured for the game server
*/
